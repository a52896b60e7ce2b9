package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/molforge/tsearch/internal/chem"
)

const (
	normalTermMarker = "Normal termination"
	stationaryMarker = "-- Stationary point found."
)

var (
	stdOrientRegex = regexp.MustCompile(`^\s*Standard orientation:`)
	dashLineRegex  = regexp.MustCompile(`^\s*-+\s*$`)
	ircCoordsRegex = regexp.MustCompile(`^\s*Cartesian Coordinates \(Ang\):\s*$`)
	ircEndRegex    = regexp.MustCompile(`^\s*CHANGE IN THE REACTION COORDINATE =`)
)

// SubmitMode selects how job completion is detected.
type SubmitMode string

const (
	// SubmitExec runs the binary directly and waits on the process.
	SubmitExec SubmitMode = "exec"
	// SubmitQueue treats the binary as a scheduler submit wrapper that
	// returns immediately; completion is detected by watching the log.
	SubmitQueue SubmitMode = "queue"
)

// Gaussian runs the expensive level: saddle-point optimizations with
// analytic frequencies and IRC traces. Input decks are generated from the
// job, the log file is the only result channel.
type Gaussian struct {
	Binary       string
	Mode         SubmitMode
	PollInterval time.Duration
	run          runner
}

func NewGaussian(binary string, mode SubmitMode, pollInterval time.Duration) *Gaussian {
	if binary == "" {
		binary = "g16"
	}
	if mode == "" {
		mode = SubmitExec
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Gaussian{Binary: binary, Mode: mode, PollInterval: pollInterval, run: execRun}
}

func (g *Gaussian) Name() string { return "gaussian" }

func (g *Gaussian) Run(ctx context.Context, job Job) (*Result, error) {
	switch job.Kind {
	case JobTSOpt, JobIRCForward, JobIRCReverse:
	default:
		return nil, invocationErr(g.Name(), job.Kind, -1, "",
			fmt.Errorf("job kind %s not supported", job.Kind))
	}

	name := job.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(job.GeometryXYZ), ".xyz")
	}
	inputPath := filepath.Join(job.WorkDir, name+".com")
	logPath := filepath.Join(job.WorkDir, name+".log")

	if err := writeGaussianInput(inputPath, job); err != nil {
		return nil, invocationErr(g.Name(), job.Kind, -1, logPath, err)
	}

	exitCode, err := g.run(ctx, job.WorkDir, logPath+".submit", []string{g.Binary, inputPath, logPath})
	if err != nil {
		return nil, invocationErr(g.Name(), job.Kind, exitCode, logPath, err)
	}

	if g.Mode == SubmitQueue {
		if err := waitForMarker(ctx, logPath, normalTermMarker, g.PollInterval); err != nil {
			return nil, invocationErr(g.Name(), job.Kind, exitCode, logPath, err)
		}
	}

	result, err := parseGaussianLog(logPath, job.Kind)
	if err != nil {
		return nil, invocationErr(g.Name(), job.Kind, exitCode, logPath, err)
	}
	return result, nil
}

// writeGaussianInput generates the input deck. Route sections:
//
//	ts_opt:  # <method> opt=(calcfc,ts,noeigen) freq=noraman
//	irc:     #p IRC(calcfc, maxpoint=50, stepsize=15, Forward|Reverse) <method>
//
// The external= driver form carries no basis set and no resource
// directives, since the driver manages its own parallelism.
func writeGaussianInput(path string, job Job) error {
	geom, err := chem.ReadXYZFile(job.GeometryXYZ)
	if err != nil {
		return err
	}

	external := strings.Contains(job.Method, "external")
	method := job.Method
	if !external && job.BasisSet != "" {
		method = job.Method + "/" + job.BasisSet
	}

	chk := strings.TrimSuffix(filepath.Base(path), ".com")

	var b strings.Builder
	fmt.Fprintf(&b, "%%Chk=%s.chk\n", chk)
	if !external {
		fmt.Fprintf(&b, "%%NProc=%d\n", job.Processors)
		fmt.Fprintf(&b, "%%Mem=%s\n", job.Memory)
	}

	switch job.Kind {
	case JobTSOpt:
		fmt.Fprintf(&b, "# %s opt=(calcfc,ts,noeigen) freq=noraman", method)
	case JobIRCForward:
		fmt.Fprintf(&b, "#p IRC(calcfc, maxpoint=50, stepsize=15, Forward) %s", method)
	case JobIRCReverse:
		fmt.Fprintf(&b, "#p IRC(calcfc, maxpoint=50, stepsize=15, Reverse) %s", method)
	default:
		return fmt.Errorf("no input template for job kind %s", job.Kind)
	}
	if job.Solvent != "" {
		fmt.Fprintf(&b, " SCRF=(Solvent=%s)", job.Solvent)
	}

	fmt.Fprintf(&b, "\n\n%s\n\n", job.Kind)
	fmt.Fprintf(&b, "%d %d\n", job.Charge, job.Multiplicity)
	for i, symbol := range geom.Symbols {
		fmt.Fprintf(&b, "%s %.6f %.6f %.6f\n",
			symbol, geom.Coords.At(i, 0), geom.Coords.At(i, 1), geom.Coords.At(i, 2))
	}
	b.WriteString("\n")

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write input deck %s: %w", path, err)
	}
	return nil
}

// parseGaussianLog extracts the result for the given job kind. Saddle
// optimizations must reach a stationary point and carry a frequency
// section; IRC jobs yield the last point of the trace.
func parseGaussianLog(path string, kind JobKind) (*Result, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}

	if !containsMarker(lines, normalTermMarker) {
		return nil, fmt.Errorf("%w: no normal termination in %s", ErrNotConverged, path)
	}

	switch kind {
	case JobTSOpt:
		return parseTSOptLog(lines, path)
	case JobIRCForward, JobIRCReverse:
		geom, err := parseIRCGeometry(lines)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return &Result{Geometry: geom, LogPath: path}, nil
	default:
		return nil, fmt.Errorf("no parser for job kind %s", kind)
	}
}

func parseTSOptLog(lines []string, path string) (*Result, error) {
	if !containsMarker(lines, stationaryMarker) {
		return nil, fmt.Errorf("%w: no stationary point in %s", ErrNotConverged, path)
	}

	geom, err := parseStationaryGeometry(lines)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	freqs, mode, err := parseFrequencyBlock(lines, true)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	energy, _ := parseSCFEnergy(lines)
	return &Result{
		Energy:      energy,
		Geometry:    geom,
		Frequencies: freqs,
		NormalMode:  mode,
		LogPath:     path,
	}, nil
}

// parseStationaryGeometry returns the standard orientation printed after
// the stationary point marker. Rows: center, atomic number, type, x, y, z.
func parseStationaryGeometry(lines []string) (*chem.Geometry, error) {
	found := false
	start, end := 0, 0
	for i, line := range lines {
		if strings.Contains(line, stationaryMarker) {
			found = true
		}
		if found && stdOrientRegex.MatchString(line) {
			start = i + 5
		}
		if found && start != 0 && i > start && dashLineRegex.MatchString(line) {
			end = i
			break
		}
	}
	if !found || start == 0 || end <= start {
		return nil, fmt.Errorf("%w: no geometry after stationary point", ErrMalformedOutput)
	}

	var symbols []string
	var coords []float64
	for _, line := range lines[start:end] {
		fields := strings.Fields(line)
		if len(fields) != 6 {
			return nil, fmt.Errorf("%w: bad orientation row %q", ErrMalformedOutput, strings.TrimSpace(line))
		}
		z, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: atomic number %q", ErrMalformedOutput, fields[1])
		}
		x, ex := strconv.ParseFloat(fields[3], 64)
		y, ey := strconv.ParseFloat(fields[4], 64)
		zc, ez := strconv.ParseFloat(fields[5], 64)
		if ex != nil || ey != nil || ez != nil {
			return nil, fmt.Errorf("%w: bad coordinates in %q", ErrMalformedOutput, strings.TrimSpace(line))
		}
		symbols = append(symbols, chem.SymbolForNumber(z))
		coords = append(coords, x, y, zc)
	}
	return chem.NewGeometry(symbols, mat.NewDense(len(symbols), 3, coords))
}

// parseIRCGeometry returns the last point of an IRC trace. Rows between
// the coordinates header and the reaction coordinate line carry: index,
// atomic number, x, y, z.
func parseIRCGeometry(lines []string) (*chem.Geometry, error) {
	start, end := 0, 0
	for i, line := range lines {
		if ircCoordsRegex.MatchString(line) {
			start = i + 5
		}
		if ircEndRegex.MatchString(line) {
			end = i - 1
		}
	}
	if start == 0 || end <= start {
		return nil, fmt.Errorf("%w: no trace coordinates", ErrMalformedOutput)
	}

	var symbols []string
	var coords []float64
	for _, line := range lines[start:end] {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		z, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		x, ex := strconv.ParseFloat(fields[2], 64)
		y, ey := strconv.ParseFloat(fields[3], 64)
		zc, ez := strconv.ParseFloat(fields[4], 64)
		if ex != nil || ey != nil || ez != nil {
			continue
		}
		symbols = append(symbols, chem.SymbolForNumber(z))
		coords = append(coords, x, y, zc)
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: empty trace geometry", ErrMalformedOutput)
	}
	return chem.NewGeometry(symbols, mat.NewDense(len(symbols), 3, coords))
}

// parseSCFEnergy returns the last SCF Done energy, if any.
func parseSCFEnergy(lines []string) (float64, bool) {
	energy := 0.0
	found := false
	for _, line := range lines {
		if !strings.Contains(line, "SCF Done") {
			continue
		}
		fields := strings.Fields(line)
		for i, field := range fields {
			if field == "=" && i+1 < len(fields) {
				if v, err := strconv.ParseFloat(fields[i+1], 64); err == nil {
					energy = v
					found = true
				}
			}
		}
	}
	return energy, found
}

func containsMarker(lines []string, marker string) bool {
	for _, line := range lines {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log %s: %w", path, err)
	}
	return lines, nil
}
