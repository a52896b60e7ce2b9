package model

import "fmt"

// Reaction is one input line of the run: a reaction SMILES plus the
// bookkeeping the pipeline needs. Artifacts live under Dir; the struct
// itself carries only paths and metadata so tasks can stay process-like
// and share nothing in memory.
type Reaction struct {
	Index        int    `yaml:"index"`
	ID           string `yaml:"id"`
	SMILES       string `yaml:"smiles"`
	ReactantSMIs string `yaml:"reactant_smiles"`
	ProductSMIs  string `yaml:"product_smiles"`
	Charge       int    `yaml:"charge"`
	Multiplicity int    `yaml:"multiplicity"`

	// Intramolecular reactions use the intra factor ladder; everything
	// else uses the inter one.
	Intramolecular bool `yaml:"intramolecular"`

	Dir string `yaml:"dir"`

	// InvalidReason is set when the SMILES line failed validation; such a
	// reaction is recorded as a terminal complex-generation failure
	// without entering the search.
	InvalidReason string `yaml:"invalid_reason,omitempty"`
}

func (r Reaction) Valid() bool { return r.InvalidReason == "" }

// TSGuess is one candidate saddle-point geometry extracted near a path
// maximum. Consumed, never mutated, by the optimizer.
type TSGuess struct {
	ID         string  `yaml:"id"`
	ReactionID string  `yaml:"reaction_id"`
	Factor     float64 `yaml:"factor"`
	FrameIndex int     `yaml:"frame_index"`
	XYZPath    string  `yaml:"xyz_path"`
	// ImagFreq is the provisional estimate from the quick Hessian,
	// in cm^-1 (negative by convention for imaginary modes).
	ImagFreq float64 `yaml:"imag_freq"`
}

// FailureReason classifies why a guess or a whole reaction failed.
type FailureReason string

const (
	FailComplexGeneration FailureReason = "complex_generation"
	FailPathSearch        FailureReason = "path_search"
	FailGuessFilter       FailureReason = "guess_filter_exhausted"
	FailEngineInvocation  FailureReason = "engine_invocation"
	FailIRCMismatch       FailureReason = "irc_mismatch"
)

// ConfirmedTS is a fully validated first-order saddle point.
type ConfirmedTS struct {
	GuessID  string  `yaml:"guess_id"`
	Energy   float64 `yaml:"energy"`
	ImagFreq float64 `yaml:"imag_freq"`
	XYZPath  string  `yaml:"xyz_path"`
	LogPath  string  `yaml:"log_path"`
	// IRC endpoint geometries that matched reactant and product.
	ForwardXYZ string `yaml:"forward_xyz"`
	ReverseXYZ string `yaml:"reverse_xyz"`
}

// OptimizationResult is the outcome of optimizing one guess: either a
// confirmed TS or a classified failure.
type OptimizationResult struct {
	GuessID   string        `yaml:"guess_id"`
	Confirmed *ConfirmedTS  `yaml:"confirmed,omitempty"`
	Reason    FailureReason `yaml:"reason,omitempty"`
	Detail    string        `yaml:"detail,omitempty"`
}

func (r OptimizationResult) Success() bool { return r.Confirmed != nil }

// Failure builds a failed OptimizationResult for a guess.
func Failure(guessID string, reason FailureReason, detail string) OptimizationResult {
	return OptimizationResult{GuessID: guessID, Reason: reason, Detail: detail}
}

// ReactionOutcome is the per-reaction reduction over all optimization
// results: at most one confirmed TS, or the failure that exhausted the
// search.
type ReactionOutcome struct {
	ReactionID string         `yaml:"reaction_id"`
	SMILES     string         `yaml:"smiles"`
	Status     ReactionStatus `yaml:"status"`
	Factor     float64        `yaml:"factor,omitempty"`
	Confirmed  *ConfirmedTS   `yaml:"confirmed,omitempty"`
	Reason     FailureReason  `yaml:"reason,omitempty"`
	Detail     string         `yaml:"detail,omitempty"`
	Attempts   int            `yaml:"attempts"`
	RecordedAt string         `yaml:"recorded_at"`
}

// OutcomeFile is the on-disk schema for a reaction's outcome.yaml.
type OutcomeFile struct {
	SchemaVersion int             `yaml:"schema_version"`
	FileType      string          `yaml:"file_type"`
	Outcome       ReactionOutcome `yaml:"outcome"`
}

const (
	OutcomeSchemaVersion = 1
	OutcomeFileType      = "reaction_outcome"
)

// NewOutcomeFile wraps an outcome with its schema header.
func NewOutcomeFile(o ReactionOutcome) OutcomeFile {
	return OutcomeFile{
		SchemaVersion: OutcomeSchemaVersion,
		FileType:      OutcomeFileType,
		Outcome:       o,
	}
}

// ValidateOutcomeFile rejects files written by a different schema or tool.
func ValidateOutcomeFile(f OutcomeFile) error {
	if f.FileType != OutcomeFileType {
		return fmt.Errorf("unexpected file_type %q", f.FileType)
	}
	if f.SchemaVersion != OutcomeSchemaVersion {
		return fmt.Errorf("unsupported schema_version %d", f.SchemaVersion)
	}
	return nil
}
