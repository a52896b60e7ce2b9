package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/molforge/tsearch/internal/model"
	"github.com/molforge/tsearch/internal/yamlio"
)

func writeOutcome(t *testing.T, workDir string, index int, outcome model.ReactionOutcome) {
	t.Helper()
	dir := filepath.Join(workDir, model.ReactionDirName(index))
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, yamlio.AtomicWrite(filepath.Join(dir, "outcome.yaml"), model.NewOutcomeFile(outcome)))
}

func confirmedOutcome(index int, energy float64) model.ReactionOutcome {
	return model.ReactionOutcome{
		ReactionID: model.ReactionID(index),
		SMILES:     "CC(=O)Cl.O>>CC(=O)O.Cl",
		Status:     model.StatusConfirmed,
		Confirmed: &model.ConfirmedTS{
			GuessID:  model.GuessID(index, 0),
			Energy:   energy,
			ImagFreq: -412.5,
		},
		Attempts: 1,
	}
}

func TestScanSummarizesWorkDir(t *testing.T) {
	workDir := t.TempDir()

	writeOutcome(t, workDir, 2, confirmedOutcome(2, -190.5))
	writeOutcome(t, workDir, 0, model.ReactionOutcome{
		ReactionID: model.ReactionID(0),
		Status:     model.StatusFailed,
		Reason:     model.FailPathSearch,
		Detail:     "no interior maximum",
		Attempts:   12,
	})

	// A reaction directory without an outcome file is still pending.
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, model.ReactionDirName(1)), 0755))
	// Stray entries are ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "scratch"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "run.lock"), []byte("1234"), 0644))

	s, err := Scan(workDir)
	require.NoError(t, err)

	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Confirmed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Pending)

	require.Len(t, s.Reactions, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{s.Reactions[0].Index, s.Reactions[1].Index, s.Reactions[2].Index})
	assert.Equal(t, string(model.StatusPending), s.Reactions[1].Status)
	assert.Equal(t, "guess_R2_0", s.Reactions[2].GuessID)
	assert.InDelta(t, -190.5, s.Reactions[2].Energy, 1e-9)
}

func TestScanTreatsCorruptOutcomeAsPending(t *testing.T) {
	workDir := t.TempDir()
	dir := filepath.Join(workDir, model.ReactionDirName(0))
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "outcome.yaml"), []byte(":\tnot yaml ["), 0644))

	s, err := Scan(workDir)
	require.NoError(t, err)
	require.Len(t, s.Reactions, 1)
	assert.Equal(t, string(model.StatusPending), s.Reactions[0].Status)
}

func TestScanMissingWorkDir(t *testing.T) {
	s, err := Scan(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Zero(t, s.Total)
}

func TestFromOutcomesSortsByIndex(t *testing.T) {
	s := FromOutcomes([]model.ReactionOutcome{
		confirmedOutcome(7, -10),
		confirmedOutcome(1, -20),
	})
	require.Len(t, s.Reactions, 2)
	assert.Equal(t, 1, s.Reactions[0].Index)
	assert.Equal(t, 7, s.Reactions[1].Index)
	assert.Equal(t, 2, s.Confirmed)
}

func TestWriteText(t *testing.T) {
	s := FromOutcomes([]model.ReactionOutcome{
		confirmedOutcome(0, -190.5),
		{
			ReactionID: model.ReactionID(3),
			Status:     model.StatusFailed,
			Reason:     model.FailIRCMismatch,
			Detail:     "both traces reached the reactant basin",
		},
	})

	var buf bytes.Buffer
	s.WriteText(&buf, 90*time.Second)
	out := buf.String()

	assert.Contains(t, out, "2 reactions processed: 1 confirmed, 1 failed")
	assert.Contains(t, out, "transition states found for: R0")
	assert.Contains(t, out, "R3 failed: irc_mismatch")
	assert.Contains(t, out, "wall time: 1m30s")
}

func TestWriteJSONRoundTrips(t *testing.T) {
	s := FromOutcomes([]model.ReactionOutcome{confirmedOutcome(0, -190.5)})

	var buf bytes.Buffer
	require.NoError(t, s.WriteJSON(&buf))

	var decoded Summary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, s.Confirmed, decoded.Confirmed)
	require.Len(t, decoded.Reactions, 1)
	assert.Equal(t, "rxn_R0", decoded.Reactions[0].ReactionID)
}
