// Package input reads and validates the reaction list file: one reaction
// SMILES per line (reactants >> products, components joined with '.'),
// optionally prefixed with an explicit index such as "R12".
package input

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/molforge/tsearch/internal/model"
)

var indexPrefixRegex = regexp.MustCompile(`^R?([0-9]+)$`)

// smilesCharRegex is a shape check, not a parser: embedding is delegated
// to the external collaborator, but obviously broken lines must fail
// before any engine time is spent on them.
var smilesCharRegex = regexp.MustCompile(`^[A-Za-z0-9@+\-\[\]\(\)=#$/\\.%:*]+$`)

// ReadReactionList parses the input file into Reactions. Malformed lines
// become Reactions carrying InvalidReason so the pipeline can record a
// terminal failure for them without affecting their neighbours. Blank
// lines and '#' comments are skipped.
func ReadReactionList(path string) ([]model.Reaction, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reaction list %s: %w", path, err)
	}
	defer f.Close()

	var reactions []model.Reaction
	seen := make(map[int]bool)
	next := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		index := next
		smiles := line
		fields := strings.Fields(line)
		if len(fields) == 2 {
			if m := indexPrefixRegex.FindStringSubmatch(fields[0]); m != nil {
				if idx, err := strconv.Atoi(m[1]); err == nil {
					index = idx
					smiles = fields[1]
				}
			}
		}
		// Two reactions sharing an index would share a working
		// directory, so the whole list is rejected up front.
		if seen[index] {
			return nil, fmt.Errorf("reaction list %s: duplicate reaction index R%d", path, index)
		}
		seen[index] = true
		if index >= next {
			next = index + 1
		}

		reactions = append(reactions, NewReaction(index, smiles))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan reaction list %s: %w", path, err)
	}
	if len(reactions) == 0 {
		return nil, fmt.Errorf("reaction list %s contains no reactions", path)
	}

	return reactions, nil
}

// NewReaction builds a Reaction from an index and a reaction SMILES,
// validating the line's shape.
func NewReaction(index int, smiles string) model.Reaction {
	r := model.Reaction{
		Index:        index,
		ID:           model.ReactionID(index),
		SMILES:       smiles,
		Multiplicity: 1,
	}

	if reason := validate(smiles); reason != "" {
		r.InvalidReason = reason
		return r
	}

	parts := strings.Split(smiles, ">>")
	r.ReactantSMIs = parts[0]
	r.ProductSMIs = parts[1]
	// A single reactant component rearranges with itself.
	r.Intramolecular = len(strings.Split(parts[0], ".")) == 1
	return r
}

func validate(smiles string) string {
	if smiles == "" {
		return "empty reaction SMILES"
	}
	parts := strings.Split(smiles, ">>")
	if len(parts) != 2 {
		return "reaction SMILES must contain exactly one '>>'"
	}
	sides := []struct {
		smiles string
		name   string
	}{
		{parts[0], "reactant"},
		{parts[1], "product"},
	}
	for _, s := range sides {
		if s.smiles == "" {
			return fmt.Sprintf("%s side is empty", s.name)
		}
		for _, component := range strings.Split(s.smiles, ".") {
			if component == "" {
				return fmt.Sprintf("%s side has an empty component", s.name)
			}
		}
		if !smilesCharRegex.MatchString(s.smiles) {
			return fmt.Sprintf("%s side contains invalid characters", s.name)
		}
	}
	return ""
}
