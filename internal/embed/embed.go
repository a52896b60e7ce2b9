// Package embed converts reaction SMILES into labeled 3D geometries.
// Conformer generation itself lives in an external helper program; this
// package only defines the collaborator interface and the subprocess
// adapter around it.
package embed

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/molforge/tsearch/internal/chem"
)

// Request asks for embedded geometries of both sides of one reaction.
// The helper must produce geometries with a consistent atom mapping:
// atom i in the reactant file is atom i in the product file.
type Request struct {
	ReactantSMILES string
	ProductSMILES  string
	Charge         int
	Multiplicity   int
	Solvent        string
	WorkDir        string
}

// Pair holds the mapped endpoint geometries.
type Pair struct {
	Reactant *chem.Geometry
	Product  *chem.Geometry
}

// Embedder produces 3D coordinates for a reaction's endpoints.
type Embedder interface {
	Embed(ctx context.Context, req Request) (*Pair, error)
}

const (
	reactantOutFile = "reactant_embedded.xyz"
	productOutFile  = "product_embedded.xyz"
)

// ScriptEmbedder shells out to a helper command:
//
//	<command> <reactant_smiles> <product_smiles> <reactant_out> <product_out> --charge N [--solvent S]
//
// The helper exits non-zero when embedding fails (unparsable SMILES,
// no conformer found).
type ScriptEmbedder struct {
	Command string
}

func NewScriptEmbedder(command string) *ScriptEmbedder {
	return &ScriptEmbedder{Command: command}
}

func (e *ScriptEmbedder) Embed(ctx context.Context, req Request) (*Pair, error) {
	if e.Command == "" {
		return nil, errors.New("no embed command configured")
	}

	reactantOut := filepath.Join(req.WorkDir, reactantOutFile)
	productOut := filepath.Join(req.WorkDir, productOutFile)

	argv := []string{
		req.ReactantSMILES, req.ProductSMILES,
		reactantOut, productOut,
		"--charge", strconv.Itoa(req.Charge),
		"--multiplicity", strconv.Itoa(req.Multiplicity),
	}
	if req.Solvent != "" {
		argv = append(argv, "--solvent", req.Solvent)
	}

	cmd := exec.CommandContext(ctx, e.Command, argv...)
	cmd.Dir = req.WorkDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("embed timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("embed %q >> %q: %w (output: %s)",
			req.ReactantSMILES, req.ProductSMILES, err, trim(output))
	}

	pair, err := readPair(reactantOut, productOut)
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func readPair(reactantPath, productPath string) (*Pair, error) {
	reactant, err := chem.ReadXYZFile(reactantPath)
	if err != nil {
		return nil, fmt.Errorf("read embedded reactant: %w", err)
	}
	product, err := chem.ReadXYZFile(productPath)
	if err != nil {
		return nil, fmt.Errorf("read embedded product: %w", err)
	}
	if reactant.NumAtoms() != product.NumAtoms() {
		return nil, fmt.Errorf("embedded endpoints disagree on atom count: %d vs %d",
			reactant.NumAtoms(), product.NumAtoms())
	}
	for i := range reactant.Symbols {
		if reactant.Symbols[i] != product.Symbols[i] {
			return nil, fmt.Errorf("atom mapping broken at index %d: %s vs %s",
				i, reactant.Symbols[i], product.Symbols[i])
		}
	}
	return &Pair{Reactant: reactant, Product: product}, nil
}

func trim(b []byte) string {
	const max = 512
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}

// Func adapts a function to Embedder; used in tests.
type Func func(ctx context.Context, req Request) (*Pair, error)

func (f Func) Embed(ctx context.Context, req Request) (*Pair, error) { return f(ctx, req) }
