// Package layout derives the deterministic on-disk structure of a run.
// Every path is a pure function of the work dir and the reaction index,
// so reruns land in the same place and markers survive restarts.
package layout

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/molforge/tsearch/internal/model"
)

const (
	ComplexDir     = "complex"
	PathDir        = "path"
	GuessDir       = "guesses"
	RPGeometryDir  = "rp_geometries"
	EngineDir      = "g16"
	FinalDir       = "final"
	doneMarker     = "DONE"
	failedMarker   = "FAILED"
	outcomeFile    = "outcome.yaml"
	runLockFile    = "run.lock"
	auditLogFile   = "run_audit.jsonl"
	reactantXYZ    = "reactants_geometry.xyz"
	productXYZ     = "products_geometry.xyz"
	finalOutputFmt = "final_outputs_reaction_R%d"
)

// Run locates everything inside one work directory.
type Run struct {
	WorkDir   string
	OutputDir string
}

func NewRun(workDir, outputDir string) Run {
	return Run{WorkDir: workDir, OutputDir: outputDir}
}

func (r Run) LockPath() string  { return filepath.Join(r.WorkDir, runLockFile) }
func (r Run) AuditPath() string { return filepath.Join(r.WorkDir, auditLogFile) }

// EnsureRoot creates the work and output directories.
func (r Run) EnsureRoot() error {
	for _, dir := range []string{r.WorkDir, r.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Reaction is the layout of one reaction's working subdirectory.
type Reaction struct {
	Index int
	Root  string
}

func (r Run) Reaction(index int) Reaction {
	return Reaction{
		Index: index,
		Root:  filepath.Join(r.WorkDir, model.ReactionDirName(index)),
	}
}

// FinalOutputDir is where confirmed artifacts are copied at the end of a
// run, named by reaction index.
func (r Run) FinalOutputDir(index int) string {
	return filepath.Join(r.OutputDir, fmt.Sprintf(finalOutputFmt, index))
}

func (r Reaction) ComplexDir() string    { return filepath.Join(r.Root, ComplexDir) }
func (r Reaction) PathDir() string       { return filepath.Join(r.Root, PathDir) }
func (r Reaction) GuessesDir() string    { return filepath.Join(r.Root, GuessDir) }
func (r Reaction) RPGeometryDir() string { return filepath.Join(r.Root, RPGeometryDir) }
func (r Reaction) EngineRoot() string    { return filepath.Join(r.Root, EngineDir) }
func (r Reaction) FinalDir() string      { return filepath.Join(r.Root, FinalDir) }

func (r Reaction) ReactantXYZ() string { return filepath.Join(r.RPGeometryDir(), reactantXYZ) }
func (r Reaction) ProductXYZ() string  { return filepath.Join(r.RPGeometryDir(), productXYZ) }
func (r Reaction) OutcomePath() string { return filepath.Join(r.Root, outcomeFile) }

// GuessWorkDir is the engine scratch directory for one optimization
// attempt. It is exclusive to that attempt: no two workers ever share one.
func (r Reaction) GuessWorkDir(guessIndex int) string {
	return filepath.Join(r.EngineRoot(), fmt.Sprintf("guess_%d", guessIndex))
}

// Ensure creates the full reaction tree. It is idempotent.
func (r Reaction) Ensure() error {
	dirs := []string{
		r.Root,
		r.ComplexDir(),
		r.PathDir(),
		r.GuessesDir(),
		r.RPGeometryDir(),
		r.EngineRoot(),
		r.FinalDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// MarkDone / MarkFailed drop completion markers. A marker never
// overwrites the opposite one silently: done wins and clears failed,
// failed refuses to replace done.
func (r Reaction) MarkDone() error {
	_ = os.Remove(filepath.Join(r.Root, failedMarker))
	return writeMarker(filepath.Join(r.Root, doneMarker))
}

func (r Reaction) MarkFailed() error {
	if r.IsDone() {
		return fmt.Errorf("reaction %d already marked done", r.Index)
	}
	return writeMarker(filepath.Join(r.Root, failedMarker))
}

func (r Reaction) IsDone() bool {
	_, err := os.Stat(filepath.Join(r.Root, doneMarker))
	return err == nil
}

func (r Reaction) IsFailed() bool {
	_, err := os.Stat(filepath.Join(r.Root, failedMarker))
	return err == nil
}

func writeMarker(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("write marker %s: %w", path, err)
	}
	return f.Close()
}
