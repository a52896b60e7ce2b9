// Package dispatch runs the per-reaction pipeline across a bounded worker
// pool. One reaction is one task; everything a task touches lives in its
// own directory tree, so tasks share nothing but the aggregator's commit
// point and the event bus.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/molforge/tsearch/internal/aggregate"
	"github.com/molforge/tsearch/internal/chem"
	"github.com/molforge/tsearch/internal/complexgen"
	"github.com/molforge/tsearch/internal/embed"
	"github.com/molforge/tsearch/internal/events"
	"github.com/molforge/tsearch/internal/guess"
	"github.com/molforge/tsearch/internal/layout"
	"github.com/molforge/tsearch/internal/model"
	"github.com/molforge/tsearch/internal/pathsearch"
	"github.com/molforge/tsearch/internal/yamlio"
)

// Optimizer is the slice of the optimization adapter the dispatcher
// needs; the concrete adapter lives in internal/optimizer.
type Optimizer interface {
	Optimize(ctx context.Context, reaction model.Reaction, g model.TSGuess, pair *embed.Pair, workDir string) model.OptimizationResult
}

// Pipeline wires the stages together for one run.
type Pipeline struct {
	Config     model.Config
	Run        layout.Run
	Embedder   embed.Embedder
	Generator  *complexgen.Generator
	Searcher   *pathsearch.Searcher
	Filter     *guess.Filter
	Optimizer  Optimizer
	Aggregator *aggregate.Aggregator
	Bus        *events.Bus
	Log        *zap.SugaredLogger
}

// RunAll dispatches every reaction over a pool of Config.Run.Workers
// slots and blocks until all reactions are resolved. The returned error
// covers infrastructure faults only; per-reaction failures are recorded
// in their outcomes and never abort the run.
func (p *Pipeline) RunAll(ctx context.Context, reactions []model.Reaction) error {
	sem := semaphore.NewWeighted(int64(p.Config.Run.Workers))
	var g errgroup.Group

	var acquireErr error
	for _, reaction := range reactions {
		reaction := reaction
		if err := sem.Acquire(ctx, 1); err != nil {
			// Shutdown: stop submitting, but let in-flight reactions
			// finish recording their outcomes before returning.
			acquireErr = fmt.Errorf("acquire worker slot: %w", err)
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			p.runReaction(ctx, reaction, sem)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return acquireErr
}

// runReaction resolves one reaction to a terminal outcome. Panics are
// contained here: a panicking stage marks the reaction failed and the
// pool keeps going.
func (p *Pipeline) runReaction(ctx context.Context, reaction model.Reaction, sem *semaphore.Weighted) {
	defer func() {
		if r := recover(); r != nil {
			p.Log.Errorw("reaction task panicked",
				"reaction", reaction.ID, "panic", r, "stack", string(debug.Stack()))
			p.failTerminal(reaction, model.FailEngineInvocation, fmt.Sprintf("task panic: %v", r))
		}
	}()

	r := p.Run.Reaction(reaction.Index)
	if err := r.Ensure(); err != nil {
		p.Log.Errorw("cannot create reaction tree", "reaction", reaction.ID, "error", err)
		p.failTerminal(reaction, model.FailComplexGeneration, err.Error())
		return
	}

	// Reruns: a reaction that already reached a terminal outcome is left
	// exactly as it is.
	if terminal, err := p.Aggregator.Resume(reaction); err != nil {
		p.Log.Warnw("unreadable prior outcome, redoing reaction", "reaction", reaction.ID, "error", err)
	} else if terminal {
		p.Log.Infow("reaction already resolved", "reaction", reaction.ID)
		_ = p.Aggregator.Finalize(reaction)
		return
	}

	if !reaction.Valid() {
		p.Log.Warnw("invalid reaction line", "reaction", reaction.ID, "reason", reaction.InvalidReason)
		p.failTerminal(reaction, model.FailComplexGeneration, reaction.InvalidReason)
		return
	}

	p.Bus.Publish(events.EventReactionStarted, map[string]interface{}{
		"reaction_id": reaction.ID, "smiles": reaction.SMILES,
	})
	p.Log.Infow("reaction started", "reaction", reaction.ID, "smiles", reaction.SMILES)
	p.transition(reaction, model.StatusSearching)

	pair, err := p.embedEndpoints(ctx, reaction, r)
	if err != nil {
		p.Log.Warnw("embedding failed", "reaction", reaction.ID, "error", err)
		p.failTerminal(reaction, model.FailComplexGeneration, err.Error())
		return
	}

	confirmedAny, lastReason, lastDetail := p.searchFactors(ctx, reaction, r, pair, sem)
	if confirmedAny {
		_ = p.Aggregator.Finalize(reaction)
		if err := r.MarkDone(); err != nil {
			p.Log.Warnw("cannot write done marker", "reaction", reaction.ID, "error", err)
		}
		return
	}
	p.failTerminal(reaction, lastReason, lastDetail)
}

// searchFactors walks the scaling-factor ladder in the configured order.
// By default it stops at the first factor whose guesses produce a
// confirmed TS; explore_all_factors disables the early exit.
func (p *Pipeline) searchFactors(ctx context.Context, reaction model.Reaction, r layout.Reaction, pair *embed.Pair, sem *semaphore.Weighted) (bool, model.FailureReason, string) {
	lastReason := model.FailGuessFilter
	lastDetail := "no guess survived the frequency filter"
	guessCounter := 0
	confirmedAny := false

	for _, factor := range complexgen.Factors(reaction, p.Config.Search) {
		confirmed := false
		for attempt := 0; attempt < p.Config.Search.RetriesPerFactor; attempt++ {
			if ctx.Err() != nil {
				return confirmedAny, model.FailEngineInvocation, ctx.Err().Error()
			}

			guesses, reason, detail := p.searchOnce(ctx, reaction, r, pair, factor, attempt)
			if len(guesses) == 0 {
				lastReason, lastDetail = reason, detail
				continue
			}
			p.transition(reaction, model.StatusGuessFound)

			ok := p.optimizeGuesses(ctx, reaction, r, pair, guesses, &guessCounter, sem)
			if ok {
				confirmed = true
				confirmedAny = true
				break
			}
			// Fall back to the next hypothesis.
			p.transition(reaction, model.StatusSearching)
			lastReason = model.FailGuessFilter
			lastDetail = fmt.Sprintf("all %d guesses for factor %.2f failed optimization", len(guesses), factor)
		}
		if confirmed && !p.Config.Search.ExploreAllFactors {
			break
		}
	}
	return confirmedAny, lastReason, lastDetail
}

// searchOnce runs complex generation, path search, and the guess filter
// for one (factor, attempt) hypothesis.
func (p *Pipeline) searchOnce(ctx context.Context, reaction model.Reaction, r layout.Reaction, pair *embed.Pair, factor float64, attempt int) ([]model.TSGuess, model.FailureReason, string) {
	cand, err := p.Generator.Build(ctx, reaction, pair, factor, attempt, r.ComplexDir())
	if err != nil {
		p.Log.Debugw("complex rejected",
			"reaction", reaction.ID, "factor", factor, "attempt", attempt, "error", err)
		return nil, model.FailComplexGeneration, err.Error()
	}

	path, err := p.Searcher.Search(ctx, reaction, cand, pair, r.PathDir())
	if err != nil {
		p.Log.Debugw("path search failed",
			"reaction", reaction.ID, "factor", factor, "attempt", attempt, "error", err)
		return nil, model.FailPathSearch, err.Error()
	}
	p.Bus.Publish(events.EventPathFound, map[string]interface{}{
		"reaction_id": reaction.ID, "factor": factor, "max_index": path.MaxIndex,
	})

	guesses, err := p.Filter.FromPath(ctx, reaction, path, pair, r.GuessesDir())
	if err != nil {
		return nil, model.FailGuessFilter, err.Error()
	}
	for _, g := range guesses {
		p.Bus.Publish(events.EventGuessAccepted, map[string]interface{}{
			"reaction_id": reaction.ID, "guess_id": g.ID, "imag_freq": g.ImagFreq,
		})
	}
	return guesses, model.FailGuessFilter, "no guess survived the frequency filter"
}

// optimizeGuesses fans the surviving guesses out to the optimizer. The
// reaction's own worker slot runs the first guess; additional guesses run
// concurrently only when idle pool slots can be claimed, so the global
// engine-invocation bound holds. The first recorded success cancels the
// remaining attempts for this reaction.
func (p *Pipeline) optimizeGuesses(ctx context.Context, reaction model.Reaction, r layout.Reaction, pair *embed.Pair, guesses []model.TSGuess, guessCounter *int, sem *semaphore.Weighted) bool {
	p.transition(reaction, model.StatusOptimizing)

	guessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	anyCommitted := false

	runOne := func(g model.TSGuess, workDir string) {
		defer func() {
			if rec := recover(); rec != nil {
				p.Log.Errorw("guess optimization panicked",
					"reaction", reaction.ID, "guess", g.ID, "panic", rec)
			}
		}()
		if guessCtx.Err() != nil {
			return
		}

		result := p.Optimizer.Optimize(guessCtx, reaction, g, pair, workDir)
		p.writeGuessVerdict(workDir, g, result)

		recorded, err := p.Aggregator.Record(reaction, result)
		if err != nil {
			p.Log.Errorw("cannot record result", "reaction", reaction.ID, "guess", g.ID, "error", err)
			return
		}
		if recorded && result.Success() {
			mu.Lock()
			anyCommitted = true
			mu.Unlock()
			// Remaining attempts for this reaction are redundant work.
			if p.Config.Aggregation.TieBreak == model.TieBreakFirstSuccess {
				cancel()
			}
		}
	}

	for i, g := range guesses {
		workDir := r.GuessWorkDir(*guessCounter)
		*guessCounter++
		if err := ensureDir(workDir); err != nil {
			p.Log.Errorw("cannot create guess scratch dir", "guess", g.ID, "error", err)
			continue
		}

		if i == 0 {
			runOne(g, workDir)
			continue
		}
		// Extra guesses borrow idle slots; otherwise run in-line after
		// the previous one.
		if sem != nil && sem.TryAcquire(1) {
			wg.Add(1)
			go func(g model.TSGuess, workDir string) {
				defer wg.Done()
				defer sem.Release(1)
				runOne(g, workDir)
			}(g, workDir)
		} else {
			runOne(g, workDir)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return anyCommitted
}

// writeGuessVerdict drops a small YAML record into the guess scratch dir
// so failed attempts stay diagnosable after the run.
func (p *Pipeline) writeGuessVerdict(workDir string, g model.TSGuess, result model.OptimizationResult) {
	if err := yamlio.AtomicWrite(workDir+"/verdict.yaml", result); err != nil {
		p.Log.Warnw("cannot write guess verdict", "guess", g.ID, "error", err)
	}
}

// embedEndpoints obtains the mapped endpoint geometries and persists them
// where the IRC comparison and the final copy expect them.
func (p *Pipeline) embedEndpoints(ctx context.Context, reaction model.Reaction, r layout.Reaction) (*embed.Pair, error) {
	pair, err := p.Embedder.Embed(ctx, embed.Request{
		ReactantSMILES: reaction.ReactantSMIs,
		ProductSMILES:  reaction.ProductSMIs,
		Charge:         reaction.Charge,
		Multiplicity:   reaction.Multiplicity,
		Solvent:        p.Config.Run.Solvent,
		WorkDir:        r.RPGeometryDir(),
	})
	if err != nil {
		return nil, err
	}
	if err := chem.WriteXYZFile(pair.Reactant, r.ReactantXYZ(), reaction.ID+" reactants"); err != nil {
		return nil, err
	}
	if err := chem.WriteXYZFile(pair.Product, r.ProductXYZ(), reaction.ID+" products"); err != nil {
		return nil, err
	}
	return pair, nil
}

func ensureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// transition records a lifecycle step through the aggregator. A rejected
// step is a bookkeeping fault, not a reaction failure, so it is logged
// and the pipeline keeps going.
func (p *Pipeline) transition(reaction model.Reaction, to model.ReactionStatus) {
	if err := p.Aggregator.Transition(reaction, to); err != nil {
		p.Log.Warnw("lifecycle transition rejected",
			"reaction", reaction.ID, "to", string(to), "error", err)
	}
}

func (p *Pipeline) failTerminal(reaction model.Reaction, reason model.FailureReason, detail string) {
	if err := p.Aggregator.RecordTerminalFailure(reaction, reason, detail); err != nil {
		p.Log.Errorw("cannot persist terminal failure", "reaction", reaction.ID, "error", err)
	}
	if err := p.Run.Reaction(reaction.Index).MarkFailed(); err != nil {
		p.Log.Debugw("failed marker not written", "reaction", reaction.ID, "error", err)
	}
}
