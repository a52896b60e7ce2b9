// Package guess extracts candidate saddle-point geometries from the
// barrier region of a reactive path and filters them against the
// imaginary-mode heuristics: a genuine first-order saddle point shows
// exactly one significant imaginary frequency whose displacement acts on
// the reaction's active bonds.
package guess

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/molforge/tsearch/internal/chem"
	"github.com/molforge/tsearch/internal/embed"
	"github.com/molforge/tsearch/internal/engine"
	"github.com/molforge/tsearch/internal/model"
	"github.com/molforge/tsearch/internal/pathsearch"
)

// Filter screens window frames with cheap Hessians.
type Filter struct {
	Engine engine.Engine
	Config model.SearchConfig
	Log    *zap.SugaredLogger
}

func NewFilter(eng engine.Engine, cfg model.SearchConfig, log *zap.SugaredLogger) *Filter {
	return &Filter{Engine: eng, Config: cfg, Log: log}
}

// FromPath runs a Hessian on every frame in the window around the path
// maximum and keeps the frames that pass all saddle-point checks. Guesses
// come back ordered by distance from the maximum, nearest first, so the
// most promising candidate is optimized first.
func (f *Filter) FromPath(ctx context.Context, reaction model.Reaction, path *pathsearch.Path, pair *embed.Pair, guessDir string) ([]model.TSGuess, error) {
	window := path.Window(f.Config.GuessWindow)
	if len(window) == 0 {
		return nil, nil
	}

	// Nearest to the maximum first.
	ordered := make([]pathsearch.Frame, 0, len(window))
	for offset := 0; offset <= f.Config.GuessWindow; offset++ {
		for _, fr := range window {
			if abs(fr.Index-path.MaxIndex) == offset {
				ordered = append(ordered, fr)
			}
		}
	}

	var guesses []model.TSGuess
	for _, frame := range ordered {
		if err := ctx.Err(); err != nil {
			return guesses, err
		}

		verdict, freq, err := f.screen(ctx, reaction, frame, pair, guessDir)
		if err != nil {
			f.Log.Warnw("guess screening failed",
				"reaction", reaction.ID, "frame", frame.Index, "error", err)
			continue
		}
		if verdict != "" {
			f.Log.Debugw("guess rejected",
				"reaction", reaction.ID, "frame", frame.Index, "verdict", verdict)
			continue
		}

		id := model.GuessID(reaction.Index, len(guesses))
		xyzPath := filepath.Join(guessDir, fmt.Sprintf("ts_guess_%d.xyz", len(guesses)))
		if err := chem.WriteXYZFile(frame.Geometry, xyzPath, id); err != nil {
			return guesses, err
		}
		guesses = append(guesses, model.TSGuess{
			ID:         id,
			ReactionID: reaction.ID,
			Factor:     path.Factor,
			FrameIndex: frame.Index,
			XYZPath:    xyzPath,
			ImagFreq:   freq,
		})
	}
	return guesses, nil
}

// screen runs the Hessian and applies every check; it returns a non-empty
// rejection verdict, or "" when the frame survives.
func (f *Filter) screen(ctx context.Context, reaction model.Reaction, frame pathsearch.Frame, pair *embed.Pair, guessDir string) (string, float64, error) {
	res, err := f.Engine.Run(ctx, engine.Job{
		Kind:         engine.JobHessian,
		Name:         fmt.Sprintf("hess_frame_%02d", frame.Index),
		GeometryXYZ:  frame.XYZPath,
		WorkDir:      guessDir,
		Charge:       reaction.Charge,
		Multiplicity: reaction.Multiplicity,
	})
	if err != nil {
		return "", 0, err
	}

	verdict, freq := Evaluate(res, frame.Geometry, pair, f.Config)
	return verdict, freq, nil
}

// Evaluate applies the saddle-point checks to a Hessian result. The
// returned verdict is empty on acceptance; otherwise it names the first
// failed check. The dominant imaginary frequency is returned either way.
func Evaluate(res *engine.Result, geometry *chem.Geometry, pair *embed.Pair, cfg model.SearchConfig) (string, float64) {
	imag := imaginaryFreqs(res.Frequencies)
	if len(imag) == 0 {
		return "no imaginary mode", 0
	}
	dominant := imag[0]

	if dominant > -cfg.FreqCutoff {
		return "dominant mode below cutoff", dominant
	}
	for _, v := range imag[1:] {
		if v < -cfg.MinorModeTolerance {
			return "second imaginary mode above tolerance", dominant
		}
	}

	reactantBonds := chem.PerceiveBonds(pair.Reactant, 0.3)
	productBonds := chem.PerceiveBonds(pair.Product, 0.3)
	forming, breaking := chem.ActiveBonds(reactantBonds, productBonds)
	activeSet := make(map[chem.Bond]bool, len(forming)+len(breaking))
	for _, b := range forming {
		activeSet[b] = true
	}
	for _, b := range breaking {
		activeSet[b] = true
	}

	activeDisp, extraDisp := modeBondDisplacements(
		geometry, res.NormalMode, chem.Union(reactantBonds, productBonds), activeSet, cfg.DisplacementCutoff)

	if len(extraDisp) > 0 {
		return "imaginary mode displaces spectator bonds", dominant
	}
	if len(activeDisp) == 0 {
		return "imaginary mode does not act on active bonds", dominant
	}
	if !sameSign(pick(activeDisp, forming)) || !sameSign(pick(activeDisp, breaking)) {
		return "inconsistent displacement direction on active bonds", dominant
	}
	if !bondLengthsIntermediate(geometry, pair, forming, breaking, cfg.ActivationFactor) {
		return "active bond lengths not intermediate", dominant
	}

	return "", dominant
}

// modeBondDisplacements displaces the geometry along the mode in both
// directions and measures how much each bond distance changes. Active
// bonds must move twice the cutoff to count; any spectator bond moving
// more than the cutoff disqualifies the mode.
func modeBondDisplacements(g *chem.Geometry, mode *mat.Dense, allBonds []chem.Bond, active map[chem.Bond]bool, cutoff float64) (activeDisp map[chem.Bond]float64, extraDisp map[chem.Bond]float64) {
	forward, errF := chem.DisplaceAlongMode(g, mode, 1.0, 99.9)
	backward, errB := chem.DisplaceAlongMode(g, mode, -1.0, 99.9)
	if errF != nil || errB != nil {
		return nil, nil
	}
	fDist := chem.DistanceMatrix(forward)
	bDist := chem.DistanceMatrix(backward)

	activeDisp = make(map[chem.Bond]float64)
	extraDisp = make(map[chem.Bond]float64)
	for _, bond := range allBonds {
		delta := fDist.At(bond.I, bond.J) - bDist.At(bond.I, bond.J)
		if active[bond] {
			if math.Abs(delta) >= 2*cutoff {
				activeDisp[bond] = delta
			}
		} else if math.Abs(delta) >= cutoff {
			extraDisp[bond] = delta
		}
	}
	return activeDisp, extraDisp
}

// bondLengthsIntermediate requires every active bond in the TS geometry
// to be stretched beyond its equilibrium length on the side where it is
// intact, scaled by the activation factor.
func bondLengthsIntermediate(g *chem.Geometry, pair *embed.Pair, forming, breaking []chem.Bond, factor float64) bool {
	tsDist := chem.DistanceMatrix(g)
	reacDist := chem.DistanceMatrix(pair.Reactant)
	prodDist := chem.DistanceMatrix(pair.Product)

	for _, bond := range forming {
		if tsDist.At(bond.I, bond.J) < prodDist.At(bond.I, bond.J)*factor {
			return false
		}
	}
	for _, bond := range breaking {
		if tsDist.At(bond.I, bond.J) < reacDist.At(bond.I, bond.J)*factor {
			return false
		}
	}
	return true
}

// imaginaryFreqs returns the negative frequencies sorted most negative
// first.
func imaginaryFreqs(freqs []float64) []float64 {
	var imag []float64
	for _, f := range freqs {
		if f < 0 {
			imag = append(imag, f)
		}
	}
	for i := 1; i < len(imag); i++ {
		for j := i; j > 0 && imag[j] < imag[j-1]; j-- {
			imag[j], imag[j-1] = imag[j-1], imag[j]
		}
	}
	return imag
}

func pick(disp map[chem.Bond]float64, bonds []chem.Bond) []float64 {
	var out []float64
	for _, b := range bonds {
		if v, ok := disp[b]; ok {
			out = append(out, v)
		}
	}
	return out
}

func sameSign(values []float64) bool {
	sign := 0
	for _, v := range values {
		s := 1
		if v < 0 {
			s = -1
		}
		if sign == 0 {
			sign = s
		} else if s != sign {
			return false
		}
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
