package chem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

// hcl at equilibrium separation and hcl dissociated.
func diatomic(sep float64) *Geometry {
	return &Geometry{
		Symbols: []string{"H", "Cl"},
		Coords: mat.NewDense(2, 3, []float64{
			0, 0, 0,
			sep, 0, 0,
		}),
	}
}

func TestPerceiveBonds(t *testing.T) {
	bonded := PerceiveBonds(diatomic(1.27), 0.2)
	assert.True(t, bonded[NewBond(0, 1)], "equilibrium H-Cl must be bonded")

	separated := PerceiveBonds(diatomic(4.0), 0.2)
	assert.Empty(t, separated)
}

func TestNewBondNormalizesOrder(t *testing.T) {
	assert.Equal(t, NewBond(2, 5), NewBond(5, 2))
}

func TestSameEdges(t *testing.T) {
	a := EdgeSet{NewBond(0, 1): true, NewBond(1, 2): true}
	b := EdgeSet{NewBond(2, 1): true, NewBond(1, 0): true}
	c := EdgeSet{NewBond(0, 1): true}

	assert.True(t, SameEdges(a, b))
	assert.False(t, SameEdges(a, c))
	assert.False(t, SameEdges(c, a))
}

func TestActiveBonds(t *testing.T) {
	// A-B + C  ->  A + B-C  over atoms 0, 1, 2.
	reactant := EdgeSet{NewBond(0, 1): true}
	product := EdgeSet{NewBond(1, 2): true}

	forming, breaking := ActiveBonds(reactant, product)
	assert.Equal(t, []Bond{NewBond(1, 2)}, forming)
	assert.Equal(t, []Bond{NewBond(0, 1)}, breaking)
}

func TestUnion(t *testing.T) {
	a := EdgeSet{NewBond(0, 1): true}
	b := EdgeSet{NewBond(0, 1): true, NewBond(1, 2): true}
	assert.Equal(t, []Bond{NewBond(0, 1), NewBond(1, 2)}, Union(a, b))
}

func TestMatchesEndpoints(t *testing.T) {
	bonded := diatomic(1.27)
	apart := diatomic(4.0)

	// forward endpoint looks like the reactant, reverse like the product.
	assert.True(t, MatchesEndpoints(bonded, apart, bonded, apart))
	// Swapped direction assignment is also a match.
	assert.True(t, MatchesEndpoints(apart, bonded, bonded, apart))
	// Both endpoints identical to the reactant is not a valid connection.
	assert.False(t, MatchesEndpoints(bonded, bonded, bonded, apart))
}
