// Package complexgen builds reactive complex candidates: starting
// arrangements of the reactant atoms with the forming bonds held at a
// scaled contact distance, so the downstream path search begins inside
// the reactive region instead of at an arbitrary conformer.
package complexgen

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"

	"github.com/molforge/tsearch/internal/chem"
	"github.com/molforge/tsearch/internal/embed"
	"github.com/molforge/tsearch/internal/engine"
	"github.com/molforge/tsearch/internal/model"
)

// ErrNoValidComplex marks a factor hypothesis that produced no
// geometrically sane arrangement.
var ErrNoValidComplex = errors.New("no valid reactive complex")

// minContactDistance rejects arrangements with fused atoms. Below this
// separation (Angstrom) the cheap engine tends to diverge rather than
// recover.
const minContactDistance = 0.7

// jitterAmplitude is the per-retry random displacement (Angstrom) that
// breaks symmetry when a relaxation stalls in the same dead end twice.
const jitterAmplitude = 0.08

// Candidate is one reactive complex hypothesis, relaxed and written to
// disk, together with the constraint set that produced it.
type Candidate struct {
	Factor      float64
	Geometry    *chem.Geometry
	Constraints []engine.Constraint
	XYZPath     string
	Energy      float64
}

// Generator relaxes seed arrangements with the cheap engine.
type Generator struct {
	Engine engine.Engine
}

func NewGenerator(eng engine.Engine) *Generator {
	return &Generator{Engine: eng}
}

// Build produces the candidate for one scaling factor. The forming bonds
// are constrained to factor times their product-side equilibrium length,
// then the whole arrangement is relaxed under those constraints. attempt
// numbers the retry for this factor; retries jitter the seed
// deterministically so a rerun reproduces the same sequence.
func (g *Generator) Build(ctx context.Context, reaction model.Reaction, pair *embed.Pair, factor float64, attempt int, complexDir string) (*Candidate, error) {
	reactantBonds := chem.PerceiveBonds(pair.Reactant, 0.3)
	productBonds := chem.PerceiveBonds(pair.Product, 0.3)
	forming, _ := chem.ActiveBonds(reactantBonds, productBonds)
	if len(forming) == 0 && !reaction.Intramolecular {
		return nil, fmt.Errorf("%w: no forming bonds between fragments", ErrNoValidComplex)
	}

	prodDist := chem.DistanceMatrix(pair.Product)
	constraints := make([]engine.Constraint, 0, len(forming))
	for _, bond := range forming {
		constraints = append(constraints, engine.Constraint{
			I:        bond.I,
			J:        bond.J,
			Distance: prodDist.At(bond.I, bond.J) * factor,
		})
	}

	seed := pair.Reactant.Clone()
	if attempt > 0 {
		jitter(seed, reaction.Index, attempt)
	}
	// The confining wall potential is centered on the origin, so the
	// seed must be too.
	c := chem.Centroid(seed)
	chem.Translate(seed, -c[0], -c[1], -c[2])

	seedPath := filepath.Join(complexDir, fmt.Sprintf("seed_f%.2f_a%d.xyz", factor, attempt))
	comment := fmt.Sprintf("%s factor=%.2f attempt=%d", reaction.ID, factor, attempt)
	if err := chem.WriteXYZFile(seed, seedPath, comment); err != nil {
		return nil, err
	}

	res, err := g.Engine.Run(ctx, engine.Job{
		Kind:         engine.JobConstrainedOpt,
		Name:         fmt.Sprintf("complex_f%.2f_a%d", factor, attempt),
		GeometryXYZ:  seedPath,
		WorkDir:      complexDir,
		Charge:       reaction.Charge,
		Multiplicity: reaction.Multiplicity,
		Constraints:  constraints,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: relaxation failed: %v", ErrNoValidComplex, err)
	}

	if d := chem.MinInteratomicDistance(res.Geometry); d < minContactDistance {
		return nil, fmt.Errorf("%w: atoms overlap (min distance %.3f)", ErrNoValidComplex, d)
	}

	xyzPath := filepath.Join(complexDir, fmt.Sprintf("complex_f%.2f_a%d.xyz", factor, attempt))
	if err := chem.WriteXYZFile(res.Geometry, xyzPath, comment); err != nil {
		return nil, err
	}

	return &Candidate{
		Factor:      factor,
		Geometry:    res.Geometry,
		Constraints: constraints,
		XYZPath:     xyzPath,
		Energy:      res.Energy,
	}, nil
}

// Factors returns the ladder for the reaction kind, in the configured
// order. The order is the fallback sequence and must not be reshuffled.
func Factors(reaction model.Reaction, cfg model.SearchConfig) []float64 {
	if reaction.Intramolecular {
		return cfg.FactorsIntra
	}
	return cfg.FactorsInter
}

func jitter(g *chem.Geometry, reactionIndex, attempt int) {
	rng := rand.New(rand.NewSource(int64(reactionIndex)<<16 | int64(attempt)))
	n, _ := g.Coords.Dims()
	for i := 0; i < n; i++ {
		for c := 0; c < 3; c++ {
			g.Coords.Set(i, c, g.Coords.At(i, c)+(rng.Float64()-0.5)*2*jitterAmplitude)
		}
	}
}
