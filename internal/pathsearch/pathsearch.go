// Package pathsearch drives a reactive complex toward the product by
// relaxing a bounded sequence of interpolated frames, each constrained to
// intermediate active-bond distances. The energy profile over the frames
// locates the barrier region used for guess extraction.
package pathsearch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/molforge/tsearch/internal/chem"
	"github.com/molforge/tsearch/internal/complexgen"
	"github.com/molforge/tsearch/internal/embed"
	"github.com/molforge/tsearch/internal/engine"
	"github.com/molforge/tsearch/internal/model"
)

var (
	// ErrNoInteriorMaximum marks a profile whose highest point sits on a
	// boundary frame: the complex never climbed over a barrier.
	ErrNoInteriorMaximum = errors.New("no interior energy maximum along path")
	// ErrFrameRelaxation marks an engine failure partway along the path.
	ErrFrameRelaxation = errors.New("path frame relaxation failed")
)

// Frame is one relaxed point along the path.
type Frame struct {
	Index    int
	Geometry *chem.Geometry
	Energy   float64
	XYZPath  string
}

// Path is the ordered frame sequence with its dominant maximum.
type Path struct {
	Frames   []Frame
	MaxIndex int
	Factor   float64
}

// Searcher relaxes interpolated frames with the cheap engine.
type Searcher struct {
	Engine engine.Engine
	Frames int
}

func NewSearcher(eng engine.Engine, frames int) *Searcher {
	if frames <= 0 {
		frames = 24
	}
	return &Searcher{Engine: eng, Frames: frames}
}

// Search walks from the candidate complex to the product over s.Frames
// interpolation steps. Each frame constrains every active bond to a
// distance interpolated between its value in the complex and in the
// product, relaxes the previous frame's geometry under those constraints,
// and records the energy. The relaxed frame seeds the next one so the
// walk follows a continuous valley instead of jumping between basins.
func (s *Searcher) Search(ctx context.Context, reaction model.Reaction, cand *complexgen.Candidate, pair *embed.Pair, pathDir string) (*Path, error) {
	reactantBonds := chem.PerceiveBonds(pair.Reactant, 0.3)
	productBonds := chem.PerceiveBonds(pair.Product, 0.3)
	forming, breaking := chem.ActiveBonds(reactantBonds, productBonds)
	active := append(append([]chem.Bond{}, forming...), breaking...)
	if len(active) == 0 {
		return nil, fmt.Errorf("%w: reaction has no active bonds", ErrNoInteriorMaximum)
	}

	startDist := chem.DistanceMatrix(cand.Geometry)
	prodDist := chem.DistanceMatrix(pair.Product)

	frames := make([]Frame, 0, s.Frames+1)
	frames = append(frames, Frame{
		Index:    0,
		Geometry: cand.Geometry,
		Energy:   cand.Energy,
		XYZPath:  cand.XYZPath,
	})

	current := cand.Geometry
	for k := 1; k <= s.Frames; k++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFrameRelaxation, err)
		}
		t := float64(k) / float64(s.Frames)

		constraints := make([]engine.Constraint, 0, len(active))
		for _, bond := range active {
			d0 := startDist.At(bond.I, bond.J)
			d1 := prodDist.At(bond.I, bond.J)
			constraints = append(constraints, engine.Constraint{
				I:        bond.I,
				J:        bond.J,
				Distance: d0 + t*(d1-d0),
			})
		}

		// Seed the frame partway between the previous relaxed geometry
		// and the product, so the constrained relaxation starts on the
		// product side of the previous basin. The step fraction closes
		// the remaining gap uniformly over the frames left.
		seed, err := chem.Interpolate(current, pair.Product, 1.0/float64(s.Frames-k+1))
		if err != nil {
			return nil, fmt.Errorf("%w: frame %d: %v", ErrFrameRelaxation, k, err)
		}

		seedPath := filepath.Join(pathDir, fmt.Sprintf("frame_%02d_seed.xyz", k))
		comment := fmt.Sprintf("%s frame %d/%d", reaction.ID, k, s.Frames)
		if err := chem.WriteXYZFile(seed, seedPath, comment); err != nil {
			return nil, err
		}

		res, err := s.Engine.Run(ctx, engine.Job{
			Kind:         engine.JobConstrainedOpt,
			Name:         fmt.Sprintf("frame_%02d", k),
			GeometryXYZ:  seedPath,
			WorkDir:      pathDir,
			Charge:       reaction.Charge,
			Multiplicity: reaction.Multiplicity,
			Constraints:  constraints,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: frame %d: %v", ErrFrameRelaxation, k, err)
		}

		xyzPath := filepath.Join(pathDir, fmt.Sprintf("frame_%02d.xyz", k))
		if err := chem.WriteXYZFile(res.Geometry, xyzPath, comment); err != nil {
			return nil, err
		}

		frames = append(frames, Frame{Index: k, Geometry: res.Geometry, Energy: res.Energy, XYZPath: xyzPath})
		current = res.Geometry
	}

	maxIndex := dominantMaximum(frames)
	if maxIndex <= 0 || maxIndex >= len(frames)-1 {
		return nil, fmt.Errorf("%w: maximum at frame %d of %d", ErrNoInteriorMaximum, maxIndex, len(frames))
	}

	return &Path{Frames: frames, MaxIndex: maxIndex, Factor: cand.Factor}, nil
}

// dominantMaximum returns the index of the highest energy, breaking ties
// toward the earliest frame.
func dominantMaximum(frames []Frame) int {
	maxIndex := 0
	for i, f := range frames {
		if f.Energy > frames[maxIndex].Energy {
			maxIndex = i
		}
	}
	return maxIndex
}

// Window returns the frames within halfWidth of the maximum, clamped to
// the interior of the path.
func (p *Path) Window(halfWidth int) []Frame {
	lo := p.MaxIndex - halfWidth
	hi := p.MaxIndex + halfWidth
	if lo < 1 {
		lo = 1
	}
	if hi > len(p.Frames)-2 {
		hi = len(p.Frames) - 2
	}
	if hi < lo {
		return nil
	}
	return p.Frames[lo : hi+1]
}
