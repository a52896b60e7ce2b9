package engine

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// modeRowRegex matches one displacement row of a normal-mode table:
// atom index, atomic number, then x y z components of the mode vector.
var modeRowRegex = regexp.MustCompile(`\s+(\d+)\s+\d+\s+([-+]?\d+\.\d+)\s+([-+]?\d+\.\d+)\s+([-+]?\d+\.\d+)`)

// parseFrequencyBlock extracts every frequency value and the displacement
// vector of the first normal mode from a g98-format frequency listing.
// The table layout differs between the standalone g98.out emitted by the
// semiempirical engine and the frequency section inside a Gaussian log
// file only in the number of header rows below the "Frequencies" line,
// so both callers share this parser.
func parseFrequencyBlock(lines []string, logFile bool) (freqs []float64, mode *mat.Dense, err error) {
	offset := 7
	if logFile {
		offset = 5
	}

	var rows [][]float64
	firstBlock := -1
	for i, line := range lines {
		if !strings.Contains(line, "Frequencies") {
			continue
		}
		parts := strings.SplitN(line, "--", 2)
		if len(parts) != 2 {
			return nil, nil, fmt.Errorf("%w: bad frequencies line %q", ErrMalformedOutput, strings.TrimSpace(line))
		}
		for _, field := range strings.Fields(parts[1]) {
			f, perr := strconv.ParseFloat(field, 64)
			if perr != nil {
				return nil, nil, fmt.Errorf("%w: frequency %q: %v", ErrMalformedOutput, field, perr)
			}
			freqs = append(freqs, f)
		}
		if firstBlock < 0 {
			firstBlock = i
		}
	}
	if firstBlock < 0 {
		return nil, nil, fmt.Errorf("%w: no frequency block found", ErrMalformedOutput)
	}

	for _, line := range lines[firstBlock+offset:] {
		m := modeRowRegex.FindStringSubmatch(line)
		if m == nil {
			break
		}
		x, _ := strconv.ParseFloat(m[2], 64)
		y, _ := strconv.ParseFloat(m[3], 64)
		z, _ := strconv.ParseFloat(m[4], 64)
		rows = append(rows, []float64{x, y, z})
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("%w: frequency block has no mode table", ErrMalformedOutput)
	}

	mode = mat.NewDense(len(rows), 3, nil)
	for i, row := range rows {
		mode.SetRow(i, row)
	}
	return freqs, mode, nil
}

// readFrequencyFile parses a frequency output file from disk.
func readFrequencyFile(path string, logFile bool) ([]float64, *mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open frequency output %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read frequency output %s: %w", path, err)
	}
	return parseFrequencyBlock(lines, logFile)
}
