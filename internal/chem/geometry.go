package chem

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Geometry is a labeled set of Cartesian coordinates (Angstrom).
// Coords is an n x 3 matrix; row i belongs to Symbols[i].
type Geometry struct {
	Symbols []string
	Coords  *mat.Dense
}

func NewGeometry(symbols []string, coords *mat.Dense) (*Geometry, error) {
	r, c := coords.Dims()
	if c != 3 {
		return nil, fmt.Errorf("coords must have 3 columns, got %d", c)
	}
	if r != len(symbols) {
		return nil, fmt.Errorf("coords rows (%d) do not match symbols (%d)", r, len(symbols))
	}
	return &Geometry{Symbols: symbols, Coords: coords}, nil
}

func (g *Geometry) NumAtoms() int {
	return len(g.Symbols)
}

func (g *Geometry) Clone() *Geometry {
	symbols := make([]string, len(g.Symbols))
	copy(symbols, g.Symbols)
	coords := mat.DenseCopyOf(g.Coords)
	return &Geometry{Symbols: symbols, Coords: coords}
}

// ReadXYZFile parses a standard xyz file: atom count line, comment line,
// then "Symbol x y z" rows.
func ReadXYZFile(path string) (*Geometry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open xyz %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("xyz %s: empty file", path)
	}
	n, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("xyz %s: bad atom count line %q", path, scanner.Text())
	}
	if !scanner.Scan() {
		return nil, fmt.Errorf("xyz %s: missing comment line", path)
	}

	symbols := make([]string, 0, n)
	coords := mat.NewDense(n, 3, nil)
	for i := 0; i < n; i++ {
		if !scanner.Scan() {
			return nil, fmt.Errorf("xyz %s: expected %d atoms, got %d", path, n, i)
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			return nil, fmt.Errorf("xyz %s: malformed atom line %q", path, scanner.Text())
		}
		x, errX := strconv.ParseFloat(fields[1], 64)
		y, errY := strconv.ParseFloat(fields[2], 64)
		z, errZ := strconv.ParseFloat(fields[3], 64)
		if errX != nil || errY != nil || errZ != nil {
			return nil, fmt.Errorf("xyz %s: bad coordinates in line %q", path, scanner.Text())
		}
		symbols = append(symbols, fields[0])
		coords.Set(i, 0, x)
		coords.Set(i, 1, y)
		coords.Set(i, 2, z)
	}

	return &Geometry{Symbols: symbols, Coords: coords}, nil
}

// WriteXYZFile writes the geometry with six-decimal coordinates.
func WriteXYZFile(g *Geometry, path, comment string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create xyz %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%d\n%s\n", g.NumAtoms(), comment)
	for i, sym := range g.Symbols {
		fmt.Fprintf(w, "%s %.6f %.6f %.6f\n",
			sym, g.Coords.At(i, 0), g.Coords.At(i, 1), g.Coords.At(i, 2))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write xyz %s: %w", path, err)
	}
	return nil
}

// DistanceMatrix returns the symmetric n x n interatomic distance matrix.
func DistanceMatrix(g *Geometry) *mat.SymDense {
	n := g.NumAtoms()
	d := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d.SetSym(i, j, atomDistance(g.Coords, i, j))
		}
	}
	return d
}

func atomDistance(coords *mat.Dense, i, j int) float64 {
	dx := coords.At(i, 0) - coords.At(j, 0)
	dy := coords.At(i, 1) - coords.At(j, 1)
	dz := coords.At(i, 2) - coords.At(j, 2)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// MinInteratomicDistance is used by the complex generator to reject
// geometries with pathological atom overlaps.
func MinInteratomicDistance(g *Geometry) float64 {
	n := g.NumAtoms()
	min := math.Inf(1)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if d := atomDistance(g.Coords, i, j); d < min {
				min = d
			}
		}
	}
	return min
}

// Interpolate returns the geometry at fraction t in [0, 1] between a and b.
// The two geometries must share an atom ordering.
func Interpolate(a, b *Geometry, t float64) (*Geometry, error) {
	if a.NumAtoms() != b.NumAtoms() {
		return nil, fmt.Errorf("atom count mismatch: %d vs %d", a.NumAtoms(), b.NumAtoms())
	}
	for i := range a.Symbols {
		if a.Symbols[i] != b.Symbols[i] {
			return nil, fmt.Errorf("atom %d symbol mismatch: %s vs %s", i, a.Symbols[i], b.Symbols[i])
		}
	}

	out := a.Clone()
	var delta mat.Dense
	delta.Sub(b.Coords, a.Coords)
	delta.Scale(t, &delta)
	out.Coords.Add(a.Coords, &delta)
	return out, nil
}

// DisplaceAlongMode displaces the geometry along a normal mode (n x 3),
// backing off in twentieths until no single atom moves more than maxDisp.
func DisplaceAlongMode(g *Geometry, mode *mat.Dense, factor, maxDisp float64) (*Geometry, error) {
	mr, mc := mode.Dims()
	if mr != g.NumAtoms() || mc != 3 {
		return nil, fmt.Errorf("mode dims %dx%d do not match %d atoms", mr, mc, g.NumAtoms())
	}

	out := g.Clone()
	var step mat.Dense
	step.Scale(factor, mode)
	out.Coords.Add(g.Coords, &step)

	var back mat.Dense
	back.Scale(factor/20, mode)
	for k := 0; k < 20; k++ {
		if maxAtomShift(g.Coords, out.Coords) < maxDisp {
			break
		}
		out.Coords.Sub(out.Coords, &back)
	}
	return out, nil
}

func maxAtomShift(a, b *mat.Dense) float64 {
	n, _ := a.Dims()
	max := 0.0
	for i := 0; i < n; i++ {
		dx := a.At(i, 0) - b.At(i, 0)
		dy := a.At(i, 1) - b.At(i, 1)
		dz := a.At(i, 2) - b.At(i, 2)
		if d := math.Sqrt(dx*dx + dy*dy + dz*dz); d > max {
			max = d
		}
	}
	return max
}

// Centroid returns the unweighted geometric center.
func Centroid(g *Geometry) [3]float64 {
	var c [3]float64
	n := g.NumAtoms()
	for i := 0; i < n; i++ {
		c[0] += g.Coords.At(i, 0)
		c[1] += g.Coords.At(i, 1)
		c[2] += g.Coords.At(i, 2)
	}
	c[0] /= float64(n)
	c[1] /= float64(n)
	c[2] /= float64(n)
	return c
}

// Translate shifts every atom by (dx, dy, dz) in place.
func Translate(g *Geometry, dx, dy, dz float64) {
	for i := 0; i < g.NumAtoms(); i++ {
		g.Coords.Set(i, 0, g.Coords.At(i, 0)+dx)
		g.Coords.Set(i, 1, g.Coords.At(i, 1)+dy)
		g.Coords.Set(i, 2, g.Coords.At(i, 2)+dz)
	}
}
