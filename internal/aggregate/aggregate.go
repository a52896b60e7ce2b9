// Package aggregate reduces concurrent optimization results to one
// outcome per reaction. The commit point is a per-reaction mutex: the
// first confirmed TS wins, later successes become no-ops, and the outcome
// file on disk is only ever replaced atomically.
package aggregate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/molforge/tsearch/internal/events"
	"github.com/molforge/tsearch/internal/layout"
	"github.com/molforge/tsearch/internal/lock"
	"github.com/molforge/tsearch/internal/model"
	"github.com/molforge/tsearch/internal/yamlio"
)

// Aggregator owns the per-reaction outcome slots for one run.
type Aggregator struct {
	run      layout.Run
	tieBreak model.TieBreak
	settle   time.Duration
	locks    *lock.MutexMap
	bus      *events.Bus
	log      *zap.SugaredLogger

	mu       sync.Mutex
	outcomes map[string]*slot
}

type slot struct {
	outcome     model.ReactionOutcome
	committedAt time.Time
	finalized   bool
}

func New(run layout.Run, cfg model.AggregationConfig, bus *events.Bus, log *zap.SugaredLogger) *Aggregator {
	return &Aggregator{
		run:      run,
		tieBreak: cfg.TieBreak,
		settle:   time.Duration(cfg.SettleWindowSec) * time.Second,
		locks:    lock.NewMutexMap(),
		bus:      bus,
		log:      log,
		outcomes: make(map[string]*slot),
	}
}

// Resume loads an existing outcome file so a rerun honors earlier
// commits instead of redoing or overwriting them. Missing files are not
// an error; corrupt ones are.
func (a *Aggregator) Resume(reaction model.Reaction) (bool, error) {
	path := a.run.Reaction(reaction.Index).OutcomePath()
	var file model.OutcomeFile
	if err := yamlio.ReadInto(path, &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("resume outcome for %s: %w", reaction.ID, err)
	}
	if err := model.ValidateOutcomeFile(file); err != nil {
		return false, fmt.Errorf("resume outcome for %s: %w", reaction.ID, err)
	}

	a.locks.Lock(reaction.ID)
	defer a.locks.Unlock(reaction.ID)
	a.mu.Lock()
	a.outcomes[reaction.ID] = &slot{outcome: file.Outcome, committedAt: time.Now(), finalized: true}
	a.mu.Unlock()
	return model.IsTerminal(file.Outcome.Status), nil
}

// Transition advances a reaction's lifecycle status and persists it, so
// a crash leaves the last reached stage on disk instead of an empty
// directory. Re-entering the current status is a no-op; steps outside
// the transition table are rejected.
func (a *Aggregator) Transition(reaction model.Reaction, to model.ReactionStatus) error {
	a.locks.Lock(reaction.ID)
	defer a.locks.Unlock(reaction.ID)

	from := model.StatusPending
	attempts := 0
	if current := a.get(reaction.ID); current != nil {
		from = current.outcome.Status
		attempts = current.outcome.Attempts
	}
	if from == to {
		return nil
	}
	if err := model.ValidateTransition(from, to); err != nil {
		return fmt.Errorf("reaction %s: %w", reaction.ID, err)
	}

	outcome := model.ReactionOutcome{
		ReactionID: reaction.ID,
		SMILES:     reaction.SMILES,
		Status:     to,
		Attempts:   attempts,
		RecordedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := a.persist(reaction, outcome); err != nil {
		return err
	}
	a.put(reaction.ID, &slot{outcome: outcome, committedAt: time.Now()})
	return nil
}

// Record offers one optimization result for a reaction. The return value
// reports whether this result became (part of) the recorded outcome:
// false means an earlier commit already fixed the reaction's fate.
func (a *Aggregator) Record(reaction model.Reaction, result model.OptimizationResult) (recorded bool, err error) {
	a.locks.Lock(reaction.ID)
	defer a.locks.Unlock(reaction.ID)

	current := a.get(reaction.ID)

	if result.Success() {
		return a.commitSuccess(reaction, current, result)
	}

	// Failures never displace a commit; they only accumulate attempts.
	if current != nil {
		if current.outcome.Status == model.StatusConfirmed {
			return false, nil
		}
		a.mu.Lock()
		current.outcome.Attempts++
		a.mu.Unlock()
		return true, nil
	}
	a.put(reaction.ID, &slot{
		outcome: model.ReactionOutcome{
			ReactionID: reaction.ID,
			SMILES:     reaction.SMILES,
			Status:     model.StatusOptimizing,
			Reason:     result.Reason,
			Detail:     result.Detail,
			Attempts:   1,
		},
	})
	return true, nil
}

func (a *Aggregator) commitSuccess(reaction model.Reaction, current *slot, result model.OptimizationResult) (bool, error) {
	if current != nil && current.outcome.Status == model.StatusConfirmed {
		if a.tieBreak != model.TieBreakLowestEnergy {
			return false, nil
		}
		if current.finalized || time.Since(current.committedAt) > a.settle {
			return false, nil
		}
		if result.Confirmed.Energy >= current.outcome.Confirmed.Energy {
			return false, nil
		}
		// Lower-energy upgrade inside the settle window.
	}

	attempts := 1
	if current != nil {
		attempts = current.outcome.Attempts + 1
	}
	outcome := model.ReactionOutcome{
		ReactionID: reaction.ID,
		SMILES:     reaction.SMILES,
		Status:     model.StatusConfirmed,
		Confirmed:  result.Confirmed,
		Attempts:   attempts,
		RecordedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := a.persist(reaction, outcome); err != nil {
		return false, err
	}
	a.put(reaction.ID, &slot{outcome: outcome, committedAt: time.Now()})

	a.log.Infow("outcome committed",
		"reaction", reaction.ID, "guess", result.GuessID, "energy", result.Confirmed.Energy)
	a.bus.Publish(events.EventTSConfirmed, map[string]interface{}{
		"reaction_id": reaction.ID,
		"guess_id":    result.GuessID,
		"energy":      result.Confirmed.Energy,
	})
	return true, nil
}

// RecordTerminalFailure fixes a reaction's outcome as failed after every
// hypothesis is exhausted. A committed success is never displaced.
func (a *Aggregator) RecordTerminalFailure(reaction model.Reaction, reason model.FailureReason, detail string) error {
	a.locks.Lock(reaction.ID)
	defer a.locks.Unlock(reaction.ID)

	if current := a.get(reaction.ID); current != nil && current.outcome.Status == model.StatusConfirmed {
		return nil
	}

	attempts := 0
	if current := a.get(reaction.ID); current != nil {
		attempts = current.outcome.Attempts
	}
	outcome := model.ReactionOutcome{
		ReactionID: reaction.ID,
		SMILES:     reaction.SMILES,
		Status:     model.StatusFailed,
		Reason:     reason,
		Detail:     detail,
		Attempts:   attempts,
		RecordedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := a.persist(reaction, outcome); err != nil {
		return err
	}
	a.put(reaction.ID, &slot{outcome: outcome, committedAt: time.Now()})

	a.bus.Publish(events.EventReactionFailed, map[string]interface{}{
		"reaction_id": reaction.ID,
		"reason":      string(reason),
	})
	return nil
}

// Outcome returns the current outcome for a reaction, if any.
func (a *Aggregator) Outcome(reactionID string) (model.ReactionOutcome, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.outcomes[reactionID]
	if !ok {
		return model.ReactionOutcome{}, false
	}
	return s.outcome, true
}

// Finalize copies a confirmed reaction's artifacts into the run output
// directory under reaction-indexed names. It is idempotent: existing
// final artifacts are left untouched so reruns cannot corrupt them.
func (a *Aggregator) Finalize(reaction model.Reaction) error {
	a.locks.Lock(reaction.ID)
	defer a.locks.Unlock(reaction.ID)

	current := a.get(reaction.ID)
	if current == nil || current.outcome.Status != model.StatusConfirmed {
		return nil
	}
	confirmed := current.outcome.Confirmed

	r := a.run.Reaction(reaction.Index)
	finalDir := a.run.FinalOutputDir(reaction.Index)
	if err := os.MkdirAll(finalDir, 0755); err != nil {
		return fmt.Errorf("create final output dir: %w", err)
	}

	// Stage the confirmed artifacts inside the reaction's own final
	// subdirectory first, so they survive even if the output-dir copy is
	// interrupted.
	staged := []struct{ src, dst string }{
		{confirmed.XYZPath, filepath.Join(r.FinalDir(), "ts_optimized.xyz")},
		{confirmed.LogPath, filepath.Join(r.FinalDir(), "ts_optimized.log")},
	}
	for _, c := range staged {
		if c.src == "" {
			continue
		}
		if err := copyIfAbsent(c.src, c.dst); err != nil {
			return err
		}
	}

	prefix := model.ReactionDirName(reaction.Index)
	copies := []struct{ src, dst string }{
		{r.ReactantXYZ(), filepath.Join(finalDir, prefix+"_reactants.xyz")},
		{r.ProductXYZ(), filepath.Join(finalDir, prefix+"_products.xyz")},
		{confirmed.XYZPath, filepath.Join(finalDir, prefix+"_ts.xyz")},
		{confirmed.LogPath, filepath.Join(finalDir, prefix+"_ts.log")},
	}
	for _, c := range copies {
		if c.src == "" {
			continue
		}
		if err := copyIfAbsent(c.src, c.dst); err != nil {
			return err
		}
	}

	a.mu.Lock()
	current.finalized = true
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) persist(reaction model.Reaction, outcome model.ReactionOutcome) error {
	path := a.run.Reaction(reaction.Index).OutcomePath()
	if err := yamlio.AtomicWrite(path, model.NewOutcomeFile(outcome)); err != nil {
		return fmt.Errorf("persist outcome for %s: %w", reaction.ID, err)
	}
	return nil
}

func (a *Aggregator) get(reactionID string) *slot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcomes[reactionID]
}

func (a *Aggregator) put(reactionID string, s *slot) {
	a.mu.Lock()
	a.outcomes[reactionID] = s
	a.mu.Unlock()
}

// copyIfAbsent copies src to dst unless dst already exists.
func copyIfAbsent(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	return out.Sync()
}
