package dispatch

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/tsearch/internal/chem"
	"github.com/molforge/tsearch/internal/model"
)

func validationTasks(t *testing.T, n int) []ValidationTask {
	t.Helper()
	dir := t.TempDir()
	rs := reactions(n)
	tasks := make([]ValidationTask, n)
	for i := range tasks {
		xyz := filepath.Join(dir, model.GuessID(i, 0)+".xyz")
		require.NoError(t, chem.WriteXYZFile(barrierGeometry(), xyz, "confirmed ts"))
		tasks[i] = ValidationTask{
			Reaction: rs[i],
			Guess:    model.TSGuess{ID: model.GuessID(i, 0), ReactionID: rs[i].ID, XYZPath: xyz, ImagFreq: -400},
			Pair:     fixturePair(),
		}
	}
	return tasks
}

func TestValidateAllConfirmsEveryTask(t *testing.T) {
	opt := &fakeOptimizer{result: successResult}
	p, run := newPipeline(t, 2, opt)

	tasks := validationTasks(t, 3)
	require.NoError(t, p.ValidateAll(context.Background(), tasks))

	for _, task := range tasks {
		outcome, ok := p.Aggregator.Outcome(task.Reaction.ID)
		require.True(t, ok, task.Reaction.ID)
		assert.Equal(t, model.StatusConfirmed, outcome.Status)
		assert.True(t, run.Reaction(task.Reaction.Index).IsDone())
		prefix := model.ReactionDirName(task.Reaction.Index)
		assert.FileExists(t, filepath.Join(run.FinalOutputDir(task.Reaction.Index), prefix+"_ts.xyz"))
	}
	assert.LessOrEqual(t, opt.maxInFlight, 2, "validation concurrency exceeded pool bound")
}

func TestValidateFailureIsTerminal(t *testing.T) {
	opt := &fakeOptimizer{result: func(reaction model.Reaction, g model.TSGuess) model.OptimizationResult {
		return model.Failure(g.ID, model.FailIRCMismatch, "endpoints changed at the higher level")
	}}
	p, run := newPipeline(t, 1, opt)

	tasks := validationTasks(t, 1)
	require.NoError(t, p.ValidateAll(context.Background(), tasks))

	outcome, ok := p.Aggregator.Outcome(tasks[0].Reaction.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, outcome.Status)
	assert.Equal(t, model.FailIRCMismatch, outcome.Reason)
	assert.True(t, run.Reaction(0).IsFailed())
}

func TestValidateRerunSkipsResolvedTask(t *testing.T) {
	opt := &fakeOptimizer{result: successResult}
	p, _ := newPipeline(t, 1, opt)

	tasks := validationTasks(t, 1)
	require.NoError(t, p.ValidateAll(context.Background(), tasks))
	callsAfterFirst := opt.calls

	require.NoError(t, p.ValidateAll(context.Background(), tasks))
	assert.Equal(t, callsAfterFirst, opt.calls, "rerun must not re-validate a resolved reaction")
}
