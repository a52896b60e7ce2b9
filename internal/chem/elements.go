// Package chem provides the small amount of structural chemistry the
// pipeline needs: xyz geometries, distance matrices, covalent-radius bond
// perception, and connectivity comparison.
package chem

import "strings"

var atomicNumberToSymbol = map[int]string{
	1: "H", 2: "He", 3: "Li", 4: "Be", 5: "B",
	6: "C", 7: "N", 8: "O", 9: "F", 10: "Ne",
	11: "Na", 12: "Mg", 13: "Al", 14: "Si", 15: "P",
	16: "S", 17: "Cl", 18: "Ar", 19: "K", 20: "Ca",
	21: "Sc", 22: "Ti", 23: "V", 24: "Cr", 25: "Mn",
	26: "Fe", 27: "Co", 28: "Ni", 29: "Cu", 30: "Zn",
	31: "Ga", 32: "Ge", 33: "As", 34: "Se", 35: "Br",
	36: "Kr", 37: "Rb", 38: "Sr", 39: "Y", 40: "Zr",
	41: "Nb", 42: "Mo", 43: "Tc", 44: "Ru", 45: "Rh",
	46: "Pd", 47: "Ag", 48: "Cd", 49: "In", 50: "Sn",
	51: "Sb", 52: "Te", 53: "I", 54: "Xe", 55: "Cs",
	56: "Ba", 72: "Hf", 73: "Ta", 74: "W", 75: "Re",
	76: "Os", 77: "Ir", 78: "Pt", 79: "Au", 80: "Hg",
	81: "Tl", 82: "Pb", 83: "Bi", 84: "Po", 85: "At",
	86: "Rn",
}

var symbolToAtomicNumber = func() map[string]int {
	m := make(map[string]int, len(atomicNumberToSymbol))
	for z, s := range atomicNumberToSymbol {
		m[s] = z
	}
	return m
}()

// Covalent radii in Angstrom (Cordero et al.), used for bond perception.
// Elements missing from the table fall back to defaultCovalentRadius.
var covalentRadius = map[string]float64{
	"H": 0.31, "He": 0.28,
	"Li": 1.28, "Be": 0.96, "B": 0.84, "C": 0.76, "N": 0.71,
	"O": 0.66, "F": 0.57, "Ne": 0.58,
	"Na": 1.66, "Mg": 1.41, "Al": 1.21, "Si": 1.11, "P": 1.07,
	"S": 1.05, "Cl": 1.02, "Ar": 1.06,
	"K": 2.03, "Ca": 1.76, "Fe": 1.32, "Cu": 1.32, "Zn": 1.22,
	"Br": 1.20, "I": 1.39,
}

const defaultCovalentRadius = 1.5

// SymbolForNumber returns the element symbol for an atomic number, or ""
// when the number is outside the supported range.
func SymbolForNumber(z int) string {
	return atomicNumberToSymbol[z]
}

// NumberForSymbol returns the atomic number for an element symbol
// (case-normalized), or 0 when unknown.
func NumberForSymbol(symbol string) int {
	if len(symbol) == 0 {
		return 0
	}
	s := strings.ToUpper(symbol[:1]) + strings.ToLower(symbol[1:])
	return symbolToAtomicNumber[s]
}

// CovalentRadius returns the covalent radius for an element symbol.
func CovalentRadius(symbol string) float64 {
	if r, ok := covalentRadius[symbol]; ok {
		return r
	}
	return defaultCovalentRadius
}
