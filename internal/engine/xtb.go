package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/molforge/tsearch/internal/chem"
)

const (
	xtbInputFile = "xtb.inp"
	g98OutFile   = "g98.out"
)

// XTB runs the semiempirical tight-binding engine for minimizations,
// constrained relaxations and Hessians. It is the cheap level: called
// hundreds of times per reaction, so every invocation stays inside the
// job's scratch directory and leaves its raw output behind for debugging.
type XTB struct {
	Binary string
	run    runner
}

// NewXTB returns an engine invoking the given binary ("xtb" if empty).
func NewXTB(binary string) *XTB {
	if binary == "" {
		binary = "xtb"
	}
	return &XTB{Binary: binary, run: execRun}
}

func (x *XTB) Name() string { return "xtb" }

// Run executes one job. Supported kinds: optimize, constrained_opt and
// hessian. Saddle-point and IRC jobs belong to the expensive engine.
func (x *XTB) Run(ctx context.Context, job Job) (*Result, error) {
	switch job.Kind {
	case JobOptimize, JobConstrainedOpt:
		return x.optimize(ctx, job)
	case JobHessian:
		return x.hessian(ctx, job)
	default:
		return nil, invocationErr(x.Name(), job.Kind, -1, "",
			fmt.Errorf("job kind %s not supported", job.Kind))
	}
}

func (x *XTB) optimize(ctx context.Context, job Job) (*Result, error) {
	inputPath := filepath.Join(job.WorkDir, xtbInputFile)
	if err := writeXTBInput(inputPath, job.Constraints); err != nil {
		return nil, invocationErr(x.Name(), job.Kind, -1, "", err)
	}

	outPath := x.outputPath(job)
	argv := x.argv(job, []string{"--input", inputPath, job.GeometryXYZ, "--opt", "--cma"})

	exitCode, err := x.run(ctx, job.WorkDir, outPath, argv)
	if err != nil {
		return nil, invocationErr(x.Name(), job.Kind, exitCode, outPath, err)
	}

	geom, energy, err := parseXTBOutput(outPath)
	if err != nil {
		return nil, invocationErr(x.Name(), job.Kind, exitCode, outPath, err)
	}
	return &Result{Energy: energy, Geometry: geom, LogPath: outPath}, nil
}

func (x *XTB) hessian(ctx context.Context, job Job) (*Result, error) {
	outPath := x.outputPath(job)
	argv := x.argv(job, []string{job.GeometryXYZ, "--hess"})

	exitCode, err := x.run(ctx, job.WorkDir, outPath, argv)
	if err != nil {
		return nil, invocationErr(x.Name(), job.Kind, exitCode, outPath, err)
	}

	// The Hessian run writes its vibrational analysis in g98 format next
	// to the scratch files.
	g98Path := filepath.Join(job.WorkDir, g98OutFile)
	freqs, mode, err := readFrequencyFile(g98Path, false)
	if err != nil {
		return nil, invocationErr(x.Name(), job.Kind, exitCode, g98Path, err)
	}

	geom, err := chem.ReadXYZFile(job.GeometryXYZ)
	if err != nil {
		return nil, invocationErr(x.Name(), job.Kind, exitCode, outPath, err)
	}
	return &Result{Geometry: geom, Frequencies: freqs, NormalMode: mode, LogPath: g98Path}, nil
}

func (x *XTB) outputPath(job Job) string {
	name := job.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(job.GeometryXYZ), ".xyz")
	}
	return filepath.Join(job.WorkDir, name+".out")
}

// argv assembles the shared flag tail: charge always, --uhf 1 for open
// shell doublets, implicit solvation when requested.
func (x *XTB) argv(job Job, head []string) []string {
	argv := append([]string{x.Binary}, head...)
	argv = append(argv, "--charge", strconv.Itoa(job.Charge))
	if job.Multiplicity == 2 {
		argv = append(argv, "--uhf", "1")
	}
	if job.Solvent != "" {
		argv = append(argv, "--alpb", job.Solvent)
	}
	return argv
}

// writeXTBInput writes the control file: a confining logfermi wall so
// weakly bound complexes do not drift apart during relaxation, plus any
// frozen interatomic distances. Atom indices in the control file are
// 1-based.
func writeXTBInput(path string, constraints []Constraint) error {
	var b strings.Builder
	b.WriteString("$wall\n")
	b.WriteString("potential=logfermi\n")
	b.WriteString("sphere: auto, all\n")
	b.WriteString("$end\n")
	if len(constraints) > 0 {
		b.WriteString("$constrain\n")
		b.WriteString("force constant=50\n")
		for _, c := range constraints {
			fmt.Fprintf(&b, "distance: %d, %d, %.4f\n", c.I+1, c.J+1, c.Distance)
		}
		b.WriteString("$end\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write control file %s: %w", path, err)
	}
	return nil
}

// parseXTBOutput pulls the relaxed geometry and total energy out of the
// captured stdout. A run that never reached the final structure block did
// not converge.
func parseXTBOutput(path string) (*chem.Geometry, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open output %s: %w", path, err)
	}
	defer f.Close()

	var (
		symbols    []string
		coords     []float64
		energy     float64
		haveEnergy bool
		inGeometry bool
		done       bool
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if strings.Contains(strings.ToLower(line), "final structure") {
			inGeometry = true
			done = false
			symbols = symbols[:0]
			coords = coords[:0]
			continue
		}
		if inGeometry && !done {
			fields := strings.Fields(line)
			if len(fields) == 4 {
				x, ex := strconv.ParseFloat(fields[1], 64)
				y, ey := strconv.ParseFloat(fields[2], 64)
				z, ez := strconv.ParseFloat(fields[3], 64)
				if ex == nil && ey == nil && ez == nil {
					symbols = append(symbols, fields[0])
					coords = append(coords, x, y, z)
					continue
				}
			}
			if len(symbols) > 0 && strings.TrimSpace(line) == "" {
				done = true
			}
			continue
		}

		if strings.Contains(line, "TOTAL ENERGY") {
			fields := strings.Fields(line)
			for _, field := range fields {
				if v, perr := strconv.ParseFloat(field, 64); perr == nil {
					energy = v
					haveEnergy = true
					break
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("read output %s: %w", path, err)
	}

	if len(symbols) == 0 {
		return nil, 0, fmt.Errorf("%w: no final structure in %s", ErrNotConverged, path)
	}
	if !haveEnergy {
		return nil, 0, fmt.Errorf("%w: no total energy in %s", ErrMalformedOutput, path)
	}

	geom, err := chem.NewGeometry(symbols, mat.NewDense(len(symbols), 3, coords))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return geom, energy, nil
}
