package model

import "fmt"

// ReactionStatus tracks the lifecycle of one reaction through the pipeline.
type ReactionStatus string

const (
	StatusPending    ReactionStatus = "pending"
	StatusSearching  ReactionStatus = "searching"
	StatusGuessFound ReactionStatus = "guess_found"
	StatusOptimizing ReactionStatus = "optimizing"
	StatusConfirmed  ReactionStatus = "confirmed"
	StatusFailed     ReactionStatus = "failed"
)

var terminalStatuses = map[ReactionStatus]bool{
	StatusConfirmed: true,
	StatusFailed:    true,
}

// Lifecycle: pending → searching → guess_found → optimizing → confirmed|failed.
// searching → failed covers exhaustion before any guess survives the filter;
// optimizing → searching covers falling back to the next factor hypothesis
// after every guess of the current one failed.
var validTransitions = map[ReactionStatus]map[ReactionStatus]bool{
	StatusPending: {
		StatusSearching: true,
		StatusFailed:    true, // malformed input fails before any search
	},
	StatusSearching: {
		StatusGuessFound: true,
		StatusFailed:     true,
	},
	StatusGuessFound: {
		StatusOptimizing: true,
		StatusFailed:     true,
	},
	StatusOptimizing: {
		StatusConfirmed: true,
		StatusSearching: true,
		StatusFailed:    true,
	},
}

func IsTerminal(s ReactionStatus) bool {
	return terminalStatuses[s]
}

func ValidateTransition(from, to ReactionStatus) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid reaction transition: %q → %q", from, to)
	}
	return nil
}
