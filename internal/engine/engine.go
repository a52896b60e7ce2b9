// Package engine drives the external quantum-chemistry programs. Engines
// are opaque oracles: they receive a geometry plus directives through
// generated input files, and either produce a parsable output artifact or
// fail. Every failure mode (non-zero exit, missing termination marker,
// malformed output, timeout) surfaces as a typed error, never a panic.
package engine

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/molforge/tsearch/internal/chem"
)

// JobKind selects the calculation an engine performs.
type JobKind string

const (
	// JobOptimize is an unconstrained minimization.
	JobOptimize JobKind = "optimize"
	// JobConstrainedOpt relaxes a geometry with selected interatomic
	// distances frozen (path frames).
	JobConstrainedOpt JobKind = "constrained_opt"
	// JobHessian computes vibrational frequencies and normal modes.
	JobHessian JobKind = "hessian"
	// JobTSOpt optimizes toward a first-order saddle point and computes
	// frequencies on the result.
	JobTSOpt JobKind = "ts_opt"
	// JobIRCForward / JobIRCReverse trace the intrinsic reaction
	// coordinate downhill from a saddle point.
	JobIRCForward JobKind = "irc_forward"
	JobIRCReverse JobKind = "irc_reverse"
)

// Constraint freezes the distance between two atoms during relaxation.
type Constraint struct {
	I, J     int
	Distance float64
}

// Job is one engine invocation.
type Job struct {
	Kind         JobKind
	Name         string
	GeometryXYZ  string
	WorkDir      string
	Charge       int
	Multiplicity int
	Solvent      string
	Constraints  []Constraint

	// Method and BasisSet select the level of theory for engines that
	// take one (Gaussian). Method may be an external= driver expression,
	// in which case BasisSet is ignored.
	Method   string
	BasisSet string

	Memory     string
	Processors int
}

// Result is the parsed outcome of a successful invocation.
type Result struct {
	Energy      float64
	Geometry    *chem.Geometry
	Frequencies []float64 // cm^-1, negative values are imaginary modes
	NormalMode  *mat.Dense
	LogPath     string
}

// ImaginaryCount returns how many modes are imaginary beyond the given
// magnitude tolerance (cm^-1).
func (r *Result) ImaginaryCount(tolerance float64) int {
	count := 0
	for _, f := range r.Frequencies {
		if f < -tolerance {
			count++
		}
	}
	return count
}

// Engine is the narrow oracle interface shared by the cheap and the
// expensive level so the pipeline never depends on engine identity.
type Engine interface {
	Name() string
	Run(ctx context.Context, job Job) (*Result, error)
}

// RunnerFunc adapts a function to the Engine interface; used in tests.
type RunnerFunc func(ctx context.Context, job Job) (*Result, error)

func (f RunnerFunc) Name() string                                      { return "runner" }
func (f RunnerFunc) Run(ctx context.Context, job Job) (*Result, error) { return f(ctx, job) }

// Sentinel classifications for engine failures.
var (
	ErrNotConverged    = errors.New("calculation did not converge")
	ErrMalformedOutput = errors.New("malformed engine output")
	ErrTimeout         = errors.New("engine invocation timed out")
)

// InvocationError wraps any engine failure with the command context a
// human needs when digging through scratch directories.
type InvocationError struct {
	Engine   string
	Kind     JobKind
	ExitCode int
	LogPath  string
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s %s failed (exit=%d, log=%s): %v",
		e.Engine, e.Kind, e.ExitCode, e.LogPath, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

func invocationErr(engine string, kind JobKind, exitCode int, logPath string, err error) error {
	return &InvocationError{Engine: engine, Kind: kind, ExitCode: exitCode, LogPath: logPath, Err: err}
}
