// Package report summarizes per-reaction outcomes, both at the end of a
// run and for the status subcommand scanning an existing work directory.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/molforge/tsearch/internal/model"
	"github.com/molforge/tsearch/internal/yamlio"
)

// Entry is the status summary for a single reaction.
type Entry struct {
	Index      int     `json:"index"`
	ReactionID string  `json:"reaction_id"`
	SMILES     string  `json:"smiles,omitempty"`
	Status     string  `json:"status"`
	GuessID    string  `json:"guess_id,omitempty"`
	Energy     float64 `json:"energy,omitempty"`
	ImagFreq   float64 `json:"imag_freq,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Detail     string  `json:"detail,omitempty"`
	Attempts   int     `json:"attempts"`
}

// Summary aggregates all reaction entries with status counts.
type Summary struct {
	Total     int     `json:"total"`
	Confirmed int     `json:"confirmed"`
	Failed    int     `json:"failed"`
	Pending   int     `json:"pending"`
	Reactions []Entry `json:"reactions"`
}

// Scan walks a work directory and builds a summary from the per-reaction
// outcome files. Reaction directories whose outcome is missing or
// unreadable are reported as pending rather than aborting the scan.
func Scan(workDir string) (Summary, error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{Reactions: []Entry{}}, nil
		}
		return Summary{}, fmt.Errorf("read work dir: %w", err)
	}

	var reactions []Entry
	for _, dirEntry := range entries {
		name := dirEntry.Name()
		if !dirEntry.IsDir() || !strings.HasPrefix(name, "reaction_R") {
			continue
		}
		var index int
		if _, err := fmt.Sscanf(name, "reaction_R%d", &index); err != nil {
			continue
		}

		entry := Entry{Index: index, ReactionID: model.ReactionID(index), Status: string(model.StatusPending)}

		var file model.OutcomeFile
		path := filepath.Join(workDir, name, "outcome.yaml")
		if err := yamlio.ReadInto(path, &file); err == nil {
			if model.ValidateOutcomeFile(file) == nil {
				entry = fromOutcome(index, file.Outcome)
			}
		}
		reactions = append(reactions, entry)
	}

	sort.Slice(reactions, func(i, j int) bool { return reactions[i].Index < reactions[j].Index })
	return build(reactions), nil
}

// FromOutcomes builds a summary from in-memory outcomes at the end of a run.
func FromOutcomes(outcomes []model.ReactionOutcome) Summary {
	reactions := make([]Entry, 0, len(outcomes))
	for _, o := range outcomes {
		index, err := model.ParseReactionIndex(o.ReactionID)
		if err != nil {
			index = -1
		}
		reactions = append(reactions, fromOutcome(index, o))
	}
	sort.Slice(reactions, func(i, j int) bool { return reactions[i].Index < reactions[j].Index })
	return build(reactions)
}

func fromOutcome(index int, o model.ReactionOutcome) Entry {
	entry := Entry{
		Index:      index,
		ReactionID: o.ReactionID,
		SMILES:     o.SMILES,
		Status:     string(o.Status),
		Reason:     string(o.Reason),
		Detail:     o.Detail,
		Attempts:   o.Attempts,
	}
	if o.Confirmed != nil {
		entry.GuessID = o.Confirmed.GuessID
		entry.Energy = o.Confirmed.Energy
		entry.ImagFreq = o.Confirmed.ImagFreq
	}
	return entry
}

func build(reactions []Entry) Summary {
	s := Summary{Total: len(reactions), Reactions: reactions}
	for _, e := range reactions {
		switch model.ReactionStatus(e.Status) {
		case model.StatusConfirmed:
			s.Confirmed++
		case model.StatusFailed:
			s.Failed++
		default:
			s.Pending++
		}
	}
	return s
}

// WriteJSON renders the summary as indented JSON.
func (s Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// WriteText renders the end-of-run statistics in human-readable form.
func (s Summary) WriteText(w io.Writer, elapsed time.Duration) {
	fmt.Fprintf(w, "%d reactions processed: %d confirmed, %d failed", s.Total, s.Confirmed, s.Failed)
	if s.Pending > 0 {
		fmt.Fprintf(w, ", %d pending", s.Pending)
	}
	fmt.Fprintln(w)

	var confirmed []string
	for _, e := range s.Reactions {
		if model.ReactionStatus(e.Status) == model.StatusConfirmed {
			confirmed = append(confirmed, fmt.Sprintf("R%d", e.Index))
		}
	}
	if len(confirmed) > 0 {
		fmt.Fprintf(w, "transition states found for: %s\n", strings.Join(confirmed, ", "))
	}
	for _, e := range s.Reactions {
		if model.ReactionStatus(e.Status) == model.StatusFailed {
			fmt.Fprintf(w, "R%d failed: %s", e.Index, e.Reason)
			if e.Detail != "" {
				fmt.Fprintf(w, " (%s)", e.Detail)
			}
			fmt.Fprintln(w)
		}
	}
	if elapsed > 0 {
		fmt.Fprintf(w, "wall time: %s\n", elapsed.Round(time.Second))
	}
}
