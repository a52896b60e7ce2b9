// Package optimizer drives one TS guess through the expensive engine:
// saddle-point optimization, frequency verification, then an IRC trace in
// both directions whose relaxed endpoints must reproduce the reactant and
// product connectivity. Every external fault becomes a classified
// OptimizationResult failure; nothing propagates as a raw error.
package optimizer

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/molforge/tsearch/internal/chem"
	"github.com/molforge/tsearch/internal/embed"
	"github.com/molforge/tsearch/internal/engine"
	"github.com/molforge/tsearch/internal/model"
)

// Level is the engine configuration for one optimization pass. The cheap
// pass runs Gaussian with the external= driver delegating to the
// semiempirical engine; the DFT pass names a functional and basis set.
type Level struct {
	Method   string
	BasisSet string
}

// SemiempiricalLevel routes the saddle search through the external
// driver script so the expensive engine's optimizer steps on the cheap
// engine's surface.
func SemiempiricalLevel(driverPath string) Level {
	return Level{Method: fmt.Sprintf("external=%q", driverPath)}
}

// DFTLevel is the full quantum-chemical pass.
func DFTLevel(cfg model.DFTConfig) Level {
	return Level{Method: cfg.Functional, BasisSet: cfg.BasisSet}
}

// Adapter runs the two-phase protocol. Saddle is the expensive engine;
// Endpoint is the cheap engine used to relax IRC endpoints before the
// connectivity comparison.
type Adapter struct {
	Saddle    engine.Engine
	Endpoint  engine.Engine
	Level     Level
	Resources model.ResourcesConfig
	Solvent   string
	Config    model.SearchConfig
	Log       *zap.SugaredLogger
}

// Optimize runs one guess to a verdict inside its exclusive scratch
// directory. It never returns an error for engine faults; the result
// carries the classification instead.
func (a *Adapter) Optimize(ctx context.Context, reaction model.Reaction, guess model.TSGuess, pair *embed.Pair, workDir string) model.OptimizationResult {
	ts, result := a.optimizeSaddle(ctx, reaction, guess, pair, workDir)
	if ts == nil {
		return result
	}

	forward, reverse, result := a.traceIRC(ctx, reaction, guess, ts, workDir)
	if forward == nil {
		return result
	}

	forwardOpt, err := a.relaxEndpoint(ctx, reaction, "irc_forward_endpoint", forward, workDir)
	if err != nil {
		return model.Failure(guess.ID, model.FailEngineInvocation, err.Error())
	}
	reverseOpt, err := a.relaxEndpoint(ctx, reaction, "irc_reverse_endpoint", reverse, workDir)
	if err != nil {
		return model.Failure(guess.ID, model.FailEngineInvocation, err.Error())
	}

	if !chem.MatchesEndpoints(forwardOpt, reverseOpt, pair.Reactant, pair.Product) {
		return model.Failure(guess.ID, model.FailIRCMismatch,
			"relaxed trace endpoints do not reproduce reactant and product connectivity")
	}

	confirmed := &model.ConfirmedTS{
		GuessID:    guess.ID,
		Energy:     ts.Energy,
		ImagFreq:   dominantImaginary(ts.Frequencies),
		XYZPath:    filepath.Join(workDir, "ts_optimized.xyz"),
		LogPath:    ts.LogPath,
		ForwardXYZ: filepath.Join(workDir, "irc_forward_endpoint.xyz"),
		ReverseXYZ: filepath.Join(workDir, "irc_reverse_endpoint.xyz"),
	}
	if err := chem.WriteXYZFile(ts.Geometry, confirmed.XYZPath, guess.ID); err != nil {
		return model.Failure(guess.ID, model.FailEngineInvocation, err.Error())
	}
	if err := chem.WriteXYZFile(forwardOpt, confirmed.ForwardXYZ, guess.ID+" forward"); err != nil {
		return model.Failure(guess.ID, model.FailEngineInvocation, err.Error())
	}
	if err := chem.WriteXYZFile(reverseOpt, confirmed.ReverseXYZ, guess.ID+" reverse"); err != nil {
		return model.Failure(guess.ID, model.FailEngineInvocation, err.Error())
	}

	a.Log.Infow("transition state confirmed",
		"reaction", reaction.ID, "guess", guess.ID,
		"energy", confirmed.Energy, "imag_freq", confirmed.ImagFreq)
	return model.OptimizationResult{GuessID: guess.ID, Confirmed: confirmed}
}

func (a *Adapter) optimizeSaddle(ctx context.Context, reaction model.Reaction, guess model.TSGuess, pair *embed.Pair, workDir string) (*engine.Result, model.OptimizationResult) {
	res, err := a.Saddle.Run(ctx, a.job(engine.JobTSOpt, "ts_opt", guess.XYZPath, reaction, workDir))
	if err != nil {
		return nil, model.Failure(guess.ID, model.FailEngineInvocation, err.Error())
	}

	// The optimized geometry must still look like a first-order saddle
	// point: one significant imaginary mode, nothing else imaginary
	// beyond the minor tolerance.
	imag := res.ImaginaryCount(a.Config.MinorModeTolerance)
	if imag != 1 || dominantImaginary(res.Frequencies) > -a.Config.FreqCutoff {
		return nil, model.Failure(guess.ID, model.FailEngineInvocation,
			fmt.Sprintf("optimized geometry is not a first-order saddle point (imag modes: %d, dominant: %.1f)",
				imag, dominantImaginary(res.Frequencies)))
	}

	tsXYZ := filepath.Join(workDir, "ts_opt.xyz")
	if err := chem.WriteXYZFile(res.Geometry, tsXYZ, guess.ID); err != nil {
		return nil, model.Failure(guess.ID, model.FailEngineInvocation, err.Error())
	}
	return res, model.OptimizationResult{}
}

func (a *Adapter) traceIRC(ctx context.Context, reaction model.Reaction, guess model.TSGuess, ts *engine.Result, workDir string) (forward, reverse *chem.Geometry, failure model.OptimizationResult) {
	tsXYZ := filepath.Join(workDir, "ts_opt.xyz")

	fRes, err := a.Saddle.Run(ctx, a.job(engine.JobIRCForward, "irc_forward", tsXYZ, reaction, workDir))
	if err != nil {
		return nil, nil, model.Failure(guess.ID, model.FailEngineInvocation, "forward trace: "+err.Error())
	}
	rRes, err := a.Saddle.Run(ctx, a.job(engine.JobIRCReverse, "irc_reverse", tsXYZ, reaction, workDir))
	if err != nil {
		return nil, nil, model.Failure(guess.ID, model.FailEngineInvocation, "reverse trace: "+err.Error())
	}
	return fRes.Geometry, rRes.Geometry, model.OptimizationResult{}
}

// relaxEndpoint minimizes a raw trace endpoint with the cheap engine so
// the connectivity comparison sees equilibrium structures, not the last
// step of a truncated trace.
func (a *Adapter) relaxEndpoint(ctx context.Context, reaction model.Reaction, name string, g *chem.Geometry, workDir string) (*chem.Geometry, error) {
	rawXYZ := filepath.Join(workDir, name+"_raw.xyz")
	if err := chem.WriteXYZFile(g, rawXYZ, name); err != nil {
		return nil, err
	}

	res, err := a.Endpoint.Run(ctx, engine.Job{
		Kind:         engine.JobOptimize,
		Name:         name,
		GeometryXYZ:  rawXYZ,
		WorkDir:      workDir,
		Charge:       reaction.Charge,
		Multiplicity: reaction.Multiplicity,
		Solvent:      a.Solvent,
	})
	if err != nil {
		return nil, fmt.Errorf("relax %s: %w", name, err)
	}
	return res.Geometry, nil
}

func (a *Adapter) job(kind engine.JobKind, name, xyz string, reaction model.Reaction, workDir string) engine.Job {
	return engine.Job{
		Kind:         kind,
		Name:         name,
		GeometryXYZ:  xyz,
		WorkDir:      workDir,
		Charge:       reaction.Charge,
		Multiplicity: reaction.Multiplicity,
		Solvent:      a.Solvent,
		Method:       a.Level.Method,
		BasisSet:     a.Level.BasisSet,
		Memory:       a.Resources.Memory,
		Processors:   a.Resources.Processors,
	}
}

func dominantImaginary(freqs []float64) float64 {
	dominant := 0.0
	for _, f := range freqs {
		if f < dominant {
			dominant = f
		}
	}
	return dominant
}
