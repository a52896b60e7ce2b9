package model

import (
	"fmt"
	"regexp"
	"strconv"
)

// IDs are deterministic functions of the reaction index so that reruns
// land in the same directories and overwrite nothing they should not.

var (
	reactionIDRegex = regexp.MustCompile(`^rxn_R([0-9]+)$`)
	guessIDRegex    = regexp.MustCompile(`^guess_R([0-9]+)_([0-9]+)$`)
)

func ReactionID(index int) string {
	return fmt.Sprintf("rxn_R%d", index)
}

func GuessID(reactionIndex, guessIndex int) string {
	return fmt.Sprintf("guess_R%d_%d", reactionIndex, guessIndex)
}

// ReactionDirName matches the layout used by the final copy step:
// reaction_R<i>.
func ReactionDirName(index int) string {
	return fmt.Sprintf("reaction_R%d", index)
}

func ValidateReactionID(id string) bool {
	return reactionIDRegex.MatchString(id)
}

// ParseReactionIndex extracts the index from a reaction ID.
func ParseReactionIndex(id string) (int, error) {
	m := reactionIDRegex.FindStringSubmatch(id)
	if m == nil {
		return 0, fmt.Errorf("invalid reaction ID format: %s", id)
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("parse index from ID %s: %w", id, err)
	}
	return idx, nil
}

// ParseGuessID returns the reaction and guess indices encoded in a guess ID.
func ParseGuessID(id string) (reactionIndex, guessIndex int, err error) {
	m := guessIDRegex.FindStringSubmatch(id)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid guess ID format: %s", id)
	}
	reactionIndex, _ = strconv.Atoi(m[1])
	guessIndex, _ = strconv.Atoi(m[2])
	return reactionIndex, guessIndex, nil
}
