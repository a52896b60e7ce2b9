package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReactionTreeDeterministicAndIdempotent(t *testing.T) {
	dir := t.TempDir()
	run := NewRun(filepath.Join(dir, "work"), filepath.Join(dir, "out"))
	require.NoError(t, run.EnsureRoot())

	r := run.Reaction(3)
	assert.Equal(t, filepath.Join(dir, "work", "reaction_R3"), r.Root)

	require.NoError(t, r.Ensure())
	// Second Ensure over an existing tree must not fail.
	require.NoError(t, r.Ensure())

	for _, p := range []string{
		r.ComplexDir(), r.PathDir(), r.GuessesDir(),
		r.RPGeometryDir(), r.EngineRoot(), r.FinalDir(),
	} {
		info, err := os.Stat(p)
		require.NoError(t, err, p)
		assert.True(t, info.IsDir(), p)
	}
}

func TestGuessWorkDirsAreDistinct(t *testing.T) {
	run := NewRun(t.TempDir(), t.TempDir())
	r := run.Reaction(0)
	assert.NotEqual(t, r.GuessWorkDir(0), r.GuessWorkDir(1))
	assert.Contains(t, r.GuessWorkDir(2), "guess_2")
}

func TestMarkers(t *testing.T) {
	run := NewRun(t.TempDir(), t.TempDir())
	r := run.Reaction(1)
	require.NoError(t, r.Ensure())

	assert.False(t, r.IsDone())
	assert.False(t, r.IsFailed())

	require.NoError(t, r.MarkFailed())
	assert.True(t, r.IsFailed())

	// Done clears the failed marker.
	require.NoError(t, r.MarkDone())
	assert.True(t, r.IsDone())
	assert.False(t, r.IsFailed())

	// Failed must not replace done.
	assert.Error(t, r.MarkFailed())
	assert.True(t, r.IsDone())
}

func TestFinalOutputDirNaming(t *testing.T) {
	run := NewRun("work", "final_work")
	assert.Equal(t, filepath.Join("final_work", "final_outputs_reaction_R7"), run.FinalOutputDir(7))
}
