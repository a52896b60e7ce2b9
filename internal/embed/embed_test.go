package embed

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waterXYZ = "3\nembedded\nO 0.000000 0.000000 0.117300\nH 0.000000 0.757200 -0.469200\nH 0.000000 -0.757200 -0.469200\n"

func TestReadPair(t *testing.T) {
	dir := t.TempDir()
	reactant := filepath.Join(dir, "r.xyz")
	product := filepath.Join(dir, "p.xyz")
	require.NoError(t, os.WriteFile(reactant, []byte(waterXYZ), 0644))
	require.NoError(t, os.WriteFile(product, []byte(waterXYZ), 0644))

	pair, err := readPair(reactant, product)
	require.NoError(t, err)
	assert.Equal(t, 3, pair.Reactant.NumAtoms())
	assert.Equal(t, pair.Reactant.Symbols, pair.Product.Symbols)
}

func TestReadPairMappingBroken(t *testing.T) {
	dir := t.TempDir()
	reactant := filepath.Join(dir, "r.xyz")
	product := filepath.Join(dir, "p.xyz")
	swapped := "3\nembedded\nH 0.000000 0.757200 -0.469200\nO 0.000000 0.000000 0.117300\nH 0.000000 -0.757200 -0.469200\n"
	require.NoError(t, os.WriteFile(reactant, []byte(waterXYZ), 0644))
	require.NoError(t, os.WriteFile(product, []byte(swapped), 0644))

	_, err := readPair(reactant, product)
	assert.ErrorContains(t, err, "atom mapping")
}

func TestReadPairAtomCountMismatch(t *testing.T) {
	dir := t.TempDir()
	reactant := filepath.Join(dir, "r.xyz")
	product := filepath.Join(dir, "p.xyz")
	diatomic := "2\nhcl\nH 0.000000 0.000000 0.000000\nCl 0.000000 0.000000 1.270000\n"
	require.NoError(t, os.WriteFile(reactant, []byte(waterXYZ), 0644))
	require.NoError(t, os.WriteFile(product, []byte(diatomic), 0644))

	_, err := readPair(reactant, product)
	assert.ErrorContains(t, err, "atom count")
}

func TestScriptEmbedderNoCommand(t *testing.T) {
	e := NewScriptEmbedder("")
	_, err := e.Embed(context.Background(), Request{})
	assert.Error(t, err)
}

// The helper contract is exercised end-to-end with a shell stand-in that
// writes the two xyz files where it was told to.
func TestScriptEmbedderRunsHelper(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell helper")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fake_embed.sh")
	helper := "#!/bin/sh\nprintf '" + waterXYZ + "' > \"$3\"\nprintf '" + waterXYZ + "' > \"$4\"\n"
	require.NoError(t, os.WriteFile(script, []byte(helper), 0755))

	e := NewScriptEmbedder(script)
	pair, err := e.Embed(context.Background(), Request{
		ReactantSMILES: "O",
		ProductSMILES:  "O",
		Multiplicity:   1,
		WorkDir:        dir,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, pair.Reactant.NumAtoms())
}

func TestScriptEmbedderFailurePropagates(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell helper")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fail_embed.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'no conformer' >&2\nexit 3\n"), 0755))

	e := NewScriptEmbedder(script)
	_, err := e.Embed(context.Background(), Request{
		ReactantSMILES: "C1CC1",
		ProductSMILES:  "CC=C",
		Multiplicity:   1,
		WorkDir:        dir,
	})
	assert.ErrorContains(t, err, "no conformer")
}
