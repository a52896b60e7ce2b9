package chem

import "sort"

// Bond is an undirected edge between atom indices, normalized so I < J.
type Bond struct {
	I, J int
}

func NewBond(i, j int) Bond {
	if i > j {
		i, j = j, i
	}
	return Bond{I: i, J: j}
}

// EdgeSet is the molecular graph of a geometry as a set of bonds.
type EdgeSet map[Bond]bool

// PerceiveBonds builds the molecular graph from covalent radii: atoms i, j
// are bonded when their distance is below (r_i + r_j) * (1 + relTolerance).
func PerceiveBonds(g *Geometry, relTolerance float64) EdgeSet {
	edges := make(EdgeSet)
	d := DistanceMatrix(g)
	n := g.NumAtoms()
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			cutoff := (CovalentRadius(g.Symbols[i]) + CovalentRadius(g.Symbols[j])) * (1 + relTolerance)
			if d.At(i, j) < cutoff {
				edges[NewBond(i, j)] = true
			}
		}
	}
	return edges
}

// SameEdges reports whether two graphs have identical edge sets.
func SameEdges(a, b EdgeSet) bool {
	if len(a) != len(b) {
		return false
	}
	for e := range a {
		if !b[e] {
			return false
		}
	}
	return true
}

// ActiveBonds returns the bonds forming (present only in product) and
// breaking (present only in reactant) during the reaction.
func ActiveBonds(reactant, product EdgeSet) (forming, breaking []Bond) {
	for e := range product {
		if !reactant[e] {
			forming = append(forming, e)
		}
	}
	for e := range reactant {
		if !product[e] {
			breaking = append(breaking, e)
		}
	}
	sortBonds(forming)
	sortBonds(breaking)
	return forming, breaking
}

// Union returns all bonds present in either graph.
func Union(a, b EdgeSet) []Bond {
	seen := make(EdgeSet, len(a)+len(b))
	for e := range a {
		seen[e] = true
	}
	for e := range b {
		seen[e] = true
	}
	out := make([]Bond, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sortBonds(out)
	return out
}

func sortBonds(bonds []Bond) {
	sort.Slice(bonds, func(i, j int) bool {
		if bonds[i].I != bonds[j].I {
			return bonds[i].I < bonds[j].I
		}
		return bonds[i].J < bonds[j].J
	})
}

// GraphToleranceLadder is the sequence of relative bond-perception
// tolerances tried when comparing IRC endpoints against the intended
// reactant and product. A match at any rung confirms connectivity.
var GraphToleranceLadder = []float64{0.3, 0.25, 0.20, 0.15, 0.10}

// MatchesEndpoints reports whether the two relaxed IRC endpoint geometries
// connect the given reactant and product, trying each tolerance rung and
// both direction assignments.
func MatchesEndpoints(forward, reverse, reactant, product *Geometry) bool {
	for _, tol := range GraphToleranceLadder {
		f := PerceiveBonds(forward, tol)
		r := PerceiveBonds(reverse, tol)
		reac := PerceiveBonds(reactant, tol)
		prod := PerceiveBonds(product, tol)

		if SameEdges(f, reac) && SameEdges(r, prod) {
			return true
		}
		if SameEdges(f, prod) && SameEdges(r, reac) {
			return true
		}
	}
	return false
}
