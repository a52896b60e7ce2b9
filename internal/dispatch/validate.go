package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/molforge/tsearch/internal/chem"
	"github.com/molforge/tsearch/internal/embed"
	"github.com/molforge/tsearch/internal/events"
	"github.com/molforge/tsearch/internal/model"
)

// ValidationTask re-optimizes a previously confirmed saddle point at a
// higher level of theory: the confirmed geometry is the single guess, and
// the IRC confirmation runs again against the same endpoint pair.
type ValidationTask struct {
	Reaction model.Reaction
	Guess    model.TSGuess
	Pair     *embed.Pair
}

// ValidateAll dispatches validation tasks over the same bounded pool as
// RunAll. Per-reaction failures are recorded, never returned.
func (p *Pipeline) ValidateAll(ctx context.Context, tasks []ValidationTask) error {
	sem := semaphore.NewWeighted(int64(p.Config.Run.Workers))
	var g errgroup.Group

	var acquireErr error
	for _, task := range tasks {
		task := task
		if err := sem.Acquire(ctx, 1); err != nil {
			// Shutdown: stop submitting, but let in-flight validations
			// finish recording their outcomes before returning.
			acquireErr = fmt.Errorf("acquire worker slot: %w", err)
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			p.validateOne(ctx, task)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return acquireErr
}

func (p *Pipeline) validateOne(ctx context.Context, task ValidationTask) {
	reaction := task.Reaction
	defer func() {
		if rec := recover(); rec != nil {
			p.Log.Errorw("validation task panicked",
				"reaction", reaction.ID, "panic", rec, "stack", string(debug.Stack()))
			p.failTerminal(reaction, model.FailEngineInvocation, fmt.Sprintf("task panic: %v", rec))
		}
	}()

	r := p.Run.Reaction(reaction.Index)
	if err := r.Ensure(); err != nil {
		p.Log.Errorw("cannot create reaction tree", "reaction", reaction.ID, "error", err)
		p.failTerminal(reaction, model.FailEngineInvocation, err.Error())
		return
	}

	if terminal, err := p.Aggregator.Resume(reaction); err != nil {
		p.Log.Warnw("unreadable prior outcome, redoing validation", "reaction", reaction.ID, "error", err)
	} else if terminal {
		p.Log.Infow("validation already resolved", "reaction", reaction.ID)
		_ = p.Aggregator.Finalize(reaction)
		return
	}

	p.Bus.Publish(events.EventReactionStarted, map[string]interface{}{
		"reaction_id": reaction.ID, "smiles": reaction.SMILES, "guess_id": task.Guess.ID,
	})
	p.Log.Infow("validating confirmed saddle point",
		"reaction", reaction.ID, "guess", task.Guess.ID)

	// The search stages ran in the source work dir; step the lifecycle
	// forward so the persisted status reflects the active stage here.
	p.transition(reaction, model.StatusSearching)
	p.transition(reaction, model.StatusGuessFound)
	p.transition(reaction, model.StatusOptimizing)

	if err := chem.WriteXYZFile(task.Pair.Reactant, r.ReactantXYZ(), reaction.ID+" reactants"); err != nil {
		p.failTerminal(reaction, model.FailEngineInvocation, err.Error())
		return
	}
	if err := chem.WriteXYZFile(task.Pair.Product, r.ProductXYZ(), reaction.ID+" products"); err != nil {
		p.failTerminal(reaction, model.FailEngineInvocation, err.Error())
		return
	}

	workDir := r.GuessWorkDir(0)
	if err := ensureDir(workDir); err != nil {
		p.failTerminal(reaction, model.FailEngineInvocation, err.Error())
		return
	}

	result := p.Optimizer.Optimize(ctx, reaction, task.Guess, task.Pair, workDir)
	p.writeGuessVerdict(workDir, task.Guess, result)

	if !result.Success() {
		if _, err := p.Aggregator.Record(reaction, result); err != nil {
			p.Log.Errorw("cannot record result", "reaction", reaction.ID, "error", err)
		}
		p.failTerminal(reaction, result.Reason, result.Detail)
		return
	}

	if _, err := p.Aggregator.Record(reaction, result); err != nil {
		p.Log.Errorw("cannot record result", "reaction", reaction.ID, "error", err)
		return
	}
	_ = p.Aggregator.Finalize(reaction)
	if err := r.MarkDone(); err != nil {
		p.Log.Warnw("cannot write done marker", "reaction", reaction.ID, "error", err)
	}
}
