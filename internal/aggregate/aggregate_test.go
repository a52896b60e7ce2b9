package aggregate

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/tsearch/internal/events"
	"github.com/molforge/tsearch/internal/layout"
	"github.com/molforge/tsearch/internal/logging"
	"github.com/molforge/tsearch/internal/model"
	"github.com/molforge/tsearch/internal/yamlio"
)

func newTestAggregator(t *testing.T, tieBreak model.TieBreak) (*Aggregator, layout.Run) {
	t.Helper()
	dir := t.TempDir()
	run := layout.NewRun(filepath.Join(dir, "work"), filepath.Join(dir, "out"))
	require.NoError(t, run.EnsureRoot())

	cfg := model.AggregationConfig{TieBreak: tieBreak, SettleWindowSec: 60}
	return New(run, cfg, events.NewBus(16), logging.Nop()), run
}

func testReaction(t *testing.T, run layout.Run, index int) model.Reaction {
	t.Helper()
	require.NoError(t, run.Reaction(index).Ensure())
	return model.Reaction{Index: index, ID: model.ReactionID(index), SMILES: "CC(=O)Cl.O>>CC(=O)O.Cl"}
}

func confirmed(t *testing.T, dir, guessID string, energy float64) model.OptimizationResult {
	t.Helper()
	xyz := filepath.Join(dir, guessID+".xyz")
	log := filepath.Join(dir, guessID+".log")
	require.NoError(t, os.WriteFile(xyz, []byte("3\nts\nO 0 0 0\nH 0 0 1\nH 0 1 0\n"), 0644))
	require.NoError(t, os.WriteFile(log, []byte("Normal termination\n"), 0644))
	return model.OptimizationResult{
		GuessID: guessID,
		Confirmed: &model.ConfirmedTS{
			GuessID: guessID,
			Energy:  energy,
			XYZPath: xyz,
			LogPath: log,
		},
	}
}

func TestTransitionLifecyclePersisted(t *testing.T) {
	a, run := newTestAggregator(t, model.TieBreakFirstSuccess)
	reaction := testReaction(t, run, 0)

	steps := []model.ReactionStatus{
		model.StatusSearching,
		model.StatusGuessFound,
		model.StatusOptimizing,
	}
	for _, status := range steps {
		require.NoError(t, a.Transition(reaction, status))

		var file model.OutcomeFile
		require.NoError(t, yamlio.ReadInto(run.Reaction(0).OutcomePath(), &file))
		require.NoError(t, model.ValidateOutcomeFile(file))
		assert.Equal(t, status, file.Outcome.Status)
	}

	// Re-entering the current stage is a no-op, falling back to the
	// search stage after failed guesses is a legal step.
	require.NoError(t, a.Transition(reaction, model.StatusOptimizing))
	require.NoError(t, a.Transition(reaction, model.StatusSearching))
}

func TestTransitionRejectsInvalidStep(t *testing.T) {
	a, run := newTestAggregator(t, model.TieBreakFirstSuccess)
	reaction := testReaction(t, run, 0)

	require.NoError(t, a.Transition(reaction, model.StatusSearching))
	assert.Error(t, a.Transition(reaction, model.StatusOptimizing),
		"searching must pass through guess_found before optimizing")

	// The rejected step must not have disturbed the recorded status.
	outcome, ok := a.Outcome(reaction.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusSearching, outcome.Status)
}

func TestTransitionRejectedFromTerminal(t *testing.T) {
	a, run := newTestAggregator(t, model.TieBreakFirstSuccess)
	reaction := testReaction(t, run, 0)

	require.NoError(t, a.RecordTerminalFailure(reaction, model.FailPathSearch, "no interior maximum"))
	assert.Error(t, a.Transition(reaction, model.StatusSearching))
}

func TestFirstSuccessWins(t *testing.T) {
	a, run := newTestAggregator(t, model.TieBreakFirstSuccess)
	reaction := testReaction(t, run, 0)
	scratch := t.TempDir()

	recorded, err := a.Record(reaction, confirmed(t, scratch, "guess_R0_0", -190.0))
	require.NoError(t, err)
	assert.True(t, recorded)

	// A later, even lower-energy success is a no-op.
	recorded, err = a.Record(reaction, confirmed(t, scratch, "guess_R0_1", -195.0))
	require.NoError(t, err)
	assert.False(t, recorded)

	outcome, ok := a.Outcome(reaction.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusConfirmed, outcome.Status)
	assert.Equal(t, "guess_R0_0", outcome.Confirmed.GuessID)
}

func TestLowestEnergyUpgradesInsideWindow(t *testing.T) {
	a, run := newTestAggregator(t, model.TieBreakLowestEnergy)
	reaction := testReaction(t, run, 0)
	scratch := t.TempDir()

	_, err := a.Record(reaction, confirmed(t, scratch, "guess_R0_0", -190.0))
	require.NoError(t, err)

	recorded, err := a.Record(reaction, confirmed(t, scratch, "guess_R0_1", -195.0))
	require.NoError(t, err)
	assert.True(t, recorded)

	// A higher-energy success never upgrades.
	recorded, err = a.Record(reaction, confirmed(t, scratch, "guess_R0_2", -100.0))
	require.NoError(t, err)
	assert.False(t, recorded)

	outcome, _ := a.Outcome(reaction.ID)
	assert.Equal(t, "guess_R0_1", outcome.Confirmed.GuessID)
}

func TestLowestEnergyFrozenAfterFinalize(t *testing.T) {
	a, run := newTestAggregator(t, model.TieBreakLowestEnergy)
	reaction := testReaction(t, run, 0)
	scratch := t.TempDir()

	_, err := a.Record(reaction, confirmed(t, scratch, "guess_R0_0", -190.0))
	require.NoError(t, err)
	require.NoError(t, a.Finalize(reaction))

	recorded, err := a.Record(reaction, confirmed(t, scratch, "guess_R0_1", -195.0))
	require.NoError(t, err)
	assert.False(t, recorded)
}

func TestConcurrentSuccessesCommitExactlyOne(t *testing.T) {
	a, run := newTestAggregator(t, model.TieBreakFirstSuccess)
	reaction := testReaction(t, run, 0)
	scratch := t.TempDir()

	const racers = 16
	results := make([]bool, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recorded, err := a.Record(reaction, confirmed(t, scratch, model.GuessID(0, i), -190.0))
			assert.NoError(t, err)
			results[i] = recorded
		}(i)
	}
	wg.Wait()

	committed := 0
	for _, r := range results {
		if r {
			committed++
		}
	}
	assert.Equal(t, 1, committed)

	// The persisted outcome names the winner.
	var file model.OutcomeFile
	require.NoError(t, yamlio.ReadInto(run.Reaction(0).OutcomePath(), &file))
	require.NoError(t, model.ValidateOutcomeFile(file))
	outcome, _ := a.Outcome(reaction.ID)
	assert.Equal(t, outcome.Confirmed.GuessID, file.Outcome.Confirmed.GuessID)
}

func TestFailuresNeverDisplaceCommit(t *testing.T) {
	a, run := newTestAggregator(t, model.TieBreakFirstSuccess)
	reaction := testReaction(t, run, 0)
	scratch := t.TempDir()

	_, err := a.Record(reaction, confirmed(t, scratch, "guess_R0_0", -190.0))
	require.NoError(t, err)

	recorded, err := a.Record(reaction, model.Failure("guess_R0_1", model.FailIRCMismatch, "wrong basin"))
	require.NoError(t, err)
	assert.False(t, recorded)

	require.NoError(t, a.RecordTerminalFailure(reaction, model.FailGuessFilter, "exhausted"))
	outcome, _ := a.Outcome(reaction.ID)
	assert.Equal(t, model.StatusConfirmed, outcome.Status)
}

func TestTerminalFailurePersisted(t *testing.T) {
	a, run := newTestAggregator(t, model.TieBreakFirstSuccess)
	reaction := testReaction(t, run, 2)

	require.NoError(t, a.RecordTerminalFailure(reaction, model.FailPathSearch, "no interior maximum"))

	var file model.OutcomeFile
	require.NoError(t, yamlio.ReadInto(run.Reaction(2).OutcomePath(), &file))
	assert.Equal(t, model.StatusFailed, file.Outcome.Status)
	assert.Equal(t, model.FailPathSearch, file.Outcome.Reason)
}

func TestFinalizeCopiesArtifactsOnce(t *testing.T) {
	a, run := newTestAggregator(t, model.TieBreakFirstSuccess)
	reaction := testReaction(t, run, 0)
	r := run.Reaction(0)
	scratch := t.TempDir()

	require.NoError(t, os.WriteFile(r.ReactantXYZ(), []byte("reactants\n"), 0644))
	require.NoError(t, os.WriteFile(r.ProductXYZ(), []byte("products\n"), 0644))

	_, err := a.Record(reaction, confirmed(t, scratch, "guess_R0_0", -190.0))
	require.NoError(t, err)
	require.NoError(t, a.Finalize(reaction))

	finalDir := run.FinalOutputDir(0)
	tsPath := filepath.Join(finalDir, "reaction_R0_ts.xyz")
	assert.FileExists(t, tsPath)
	assert.FileExists(t, filepath.Join(finalDir, "reaction_R0_reactants.xyz"))
	assert.FileExists(t, filepath.Join(finalDir, "reaction_R0_ts.log"))
	assert.FileExists(t, filepath.Join(r.FinalDir(), "ts_optimized.xyz"))
	assert.FileExists(t, filepath.Join(r.FinalDir(), "ts_optimized.log"))

	// Rerunning Finalize must not clobber existing artifacts.
	require.NoError(t, os.WriteFile(tsPath, []byte("sentinel"), 0644))
	require.NoError(t, a.Finalize(reaction))
	content, err := os.ReadFile(tsPath)
	require.NoError(t, err)
	assert.Equal(t, "sentinel", string(content))
}

func TestFinalizeWithoutConfirmationIsNoOp(t *testing.T) {
	a, run := newTestAggregator(t, model.TieBreakFirstSuccess)
	reaction := testReaction(t, run, 1)

	require.NoError(t, a.Finalize(reaction))
	assert.NoDirExists(t, run.FinalOutputDir(1))
}

func TestResumeHonorsExistingOutcome(t *testing.T) {
	a, run := newTestAggregator(t, model.TieBreakFirstSuccess)
	reaction := testReaction(t, run, 0)
	scratch := t.TempDir()

	_, err := a.Record(reaction, confirmed(t, scratch, "guess_R0_0", -190.0))
	require.NoError(t, err)

	// Fresh aggregator over the same work dir, as in a rerun.
	b := New(run, model.AggregationConfig{TieBreak: model.TieBreakFirstSuccess, SettleWindowSec: 60}, events.NewBus(16), logging.Nop())
	terminal, err := b.Resume(reaction)
	require.NoError(t, err)
	assert.True(t, terminal)

	recorded, err := b.Record(reaction, confirmed(t, scratch, "guess_R0_9", -500.0))
	require.NoError(t, err)
	assert.False(t, recorded)
}

func TestResumeMissingFile(t *testing.T) {
	a, run := newTestAggregator(t, model.TieBreakFirstSuccess)
	reaction := testReaction(t, run, 4)
	terminal, err := a.Resume(reaction)
	require.NoError(t, err)
	assert.False(t, terminal)
	_, ok := a.Outcome(reaction.ID)
	assert.False(t, ok)
}
