package guess

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/molforge/tsearch/internal/chem"
	"github.com/molforge/tsearch/internal/embed"
	"github.com/molforge/tsearch/internal/engine"
	"github.com/molforge/tsearch/internal/logging"
	"github.com/molforge/tsearch/internal/model"
	"github.com/molforge/tsearch/internal/pathsearch"
)

func mustGeometry(symbols []string, coords []float64) *chem.Geometry {
	g, err := chem.NewGeometry(symbols, mat.NewDense(len(symbols), 3, coords))
	if err != nil {
		panic(err)
	}
	return g
}

// Linear H3 exchange: bond (0,1) breaks while bond (1,2) forms.
func exchangePair() *embed.Pair {
	reactant := mustGeometry([]string{"H", "H", "H"}, []float64{
		0, 0, 0,
		0, 0, 0.74,
		0, 0, 4.00,
	})
	product := mustGeometry([]string{"H", "H", "H"}, []float64{
		0, 0, -4.00,
		0, 0, 0.95,
		0, 0, 1.69,
	})
	return &embed.Pair{Reactant: reactant, Product: product}
}

// tsGeometry places the central atom midway: both active bonds stretched
// past their equilibrium lengths.
func tsGeometry() *chem.Geometry {
	return mustGeometry([]string{"H", "H", "H"}, []float64{
		0, 0, 0,
		0, 0, 0.95,
		0, 0, 1.90,
	})
}

// transferMode moves the central atom along the axis: shortens one active
// bond while stretching the other.
func transferMode() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, 0, 0,
		0, 0, 0.5,
		0, 0, 0,
	})
}

func searchConfig() model.SearchConfig {
	return model.SearchConfig{
		FreqCutoff:         150,
		MinorModeTolerance: 50,
		DisplacementCutoff: 0.5,
		ActivationFactor:   1.05,
		GuessWindow:        1,
	}
}

func TestEvaluateAccepts(t *testing.T) {
	res := &engine.Result{
		Frequencies: []float64{-400, 30, 95},
		NormalMode:  transferMode(),
	}
	verdict, freq := Evaluate(res, tsGeometry(), exchangePair(), searchConfig())
	assert.Empty(t, verdict)
	assert.InDelta(t, -400, freq, 1e-9)
}

func TestEvaluateRejections(t *testing.T) {
	pair := exchangePair()
	cfg := searchConfig()

	tests := []struct {
		name     string
		res      *engine.Result
		geometry *chem.Geometry
		verdict  string
	}{
		{
			name:     "no imaginary mode",
			res:      &engine.Result{Frequencies: []float64{120, 300}, NormalMode: transferMode()},
			geometry: tsGeometry(),
			verdict:  "no imaginary mode",
		},
		{
			name:     "dominant below cutoff",
			res:      &engine.Result{Frequencies: []float64{-100, 40}, NormalMode: transferMode()},
			geometry: tsGeometry(),
			verdict:  "dominant mode below cutoff",
		},
		{
			name:     "second imaginary mode",
			res:      &engine.Result{Frequencies: []float64{-400, -80, 40}, NormalMode: transferMode()},
			geometry: tsGeometry(),
			verdict:  "second imaginary mode above tolerance",
		},
		{
			name: "mode off the active bonds",
			res: &engine.Result{
				Frequencies: []float64{-400, 40},
				// Rigid translation: no bond distance changes at all.
				NormalMode: mat.NewDense(3, 3, []float64{
					0, 0, 0.5,
					0, 0, 0.5,
					0, 0, 0.5,
				}),
			},
			geometry: tsGeometry(),
			verdict:  "imaginary mode does not act on active bonds",
		},
		{
			name: "unactivated bond lengths",
			res:  &engine.Result{Frequencies: []float64{-400, 40}, NormalMode: transferMode()},
			// Breaking bond (0,1) still at its reactant equilibrium.
			geometry: mustGeometry([]string{"H", "H", "H"}, []float64{
				0, 0, 0,
				0, 0, 0.74,
				0, 0, 1.69,
			}),
			verdict: "active bond lengths not intermediate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, _ := Evaluate(tt.res, tt.geometry, pair, cfg)
			assert.Equal(t, tt.verdict, verdict)
		})
	}
}

func TestFromPathKeepsPassingFramesNearestFirst(t *testing.T) {
	dir := t.TempDir()
	pair := exchangePair()

	frames := make([]pathsearch.Frame, 5)
	for i := range frames {
		g := tsGeometry()
		xyz := filepath.Join(dir, "frame.xyz")
		require.NoError(t, chem.WriteXYZFile(g, xyz, "frame"))
		frames[i] = pathsearch.Frame{Index: i, Geometry: g, XYZPath: xyz, Energy: float64(-abs(i - 2))}
	}
	path := &pathsearch.Path{Frames: frames, MaxIndex: 2, Factor: 2.5}

	eng := engine.RunnerFunc(func(ctx context.Context, job engine.Job) (*engine.Result, error) {
		require.Equal(t, engine.JobHessian, job.Kind)
		return &engine.Result{Frequencies: []float64{-400, 40}, NormalMode: transferMode()}, nil
	})

	f := NewFilter(eng, searchConfig(), logging.Nop())
	guesses, err := f.FromPath(context.Background(), model.Reaction{Index: 0, ID: "rxn_R0"}, path, pair, dir)
	require.NoError(t, err)

	require.Len(t, guesses, 3)
	// Maximum frame first, then its neighbours.
	assert.Equal(t, 2, guesses[0].FrameIndex)
	assert.Equal(t, "guess_R0_0", guesses[0].ID)
	assert.Equal(t, 2.5, guesses[0].Factor)
	assert.InDelta(t, -400, guesses[0].ImagFreq, 1e-9)
	for _, g := range guesses {
		assert.FileExists(t, g.XYZPath)
	}
}

func TestFromPathAllRejected(t *testing.T) {
	dir := t.TempDir()
	pair := exchangePair()

	g := tsGeometry()
	xyz := filepath.Join(dir, "frame.xyz")
	require.NoError(t, chem.WriteXYZFile(g, xyz, "frame"))
	frames := []pathsearch.Frame{
		{Index: 0, Geometry: g, XYZPath: xyz},
		{Index: 1, Geometry: g, XYZPath: xyz},
		{Index: 2, Geometry: g, XYZPath: xyz},
	}
	path := &pathsearch.Path{Frames: frames, MaxIndex: 1}

	eng := engine.RunnerFunc(func(ctx context.Context, job engine.Job) (*engine.Result, error) {
		return &engine.Result{Frequencies: []float64{200, 400}, NormalMode: transferMode()}, nil
	})

	f := NewFilter(eng, searchConfig(), logging.Nop())
	guesses, err := f.FromPath(context.Background(), model.Reaction{Index: 0, ID: "rxn_R0"}, path, pair, dir)
	require.NoError(t, err)
	assert.Empty(t, guesses)
}

func TestFromPathEngineFailureSkipsFrame(t *testing.T) {
	dir := t.TempDir()
	pair := exchangePair()

	g := tsGeometry()
	xyz := filepath.Join(dir, "frame.xyz")
	require.NoError(t, chem.WriteXYZFile(g, xyz, "frame"))
	frames := []pathsearch.Frame{
		{Index: 0, Geometry: g, XYZPath: xyz},
		{Index: 1, Geometry: g, XYZPath: xyz},
		{Index: 2, Geometry: g, XYZPath: xyz},
	}
	path := &pathsearch.Path{Frames: frames, MaxIndex: 1}

	call := 0
	eng := engine.RunnerFunc(func(ctx context.Context, job engine.Job) (*engine.Result, error) {
		call++
		if call == 1 {
			return nil, engine.ErrNotConverged
		}
		return &engine.Result{Frequencies: []float64{-400, 40}, NormalMode: transferMode()}, nil
	})

	cfg := searchConfig()
	cfg.GuessWindow = 0
	f := NewFilter(eng, cfg, logging.Nop())
	guesses, err := f.FromPath(context.Background(), model.Reaction{Index: 0, ID: "rxn_R0"}, path, pair, dir)
	require.NoError(t, err)
	// Window of one frame whose Hessian failed: no guesses, no error.
	assert.Empty(t, guesses)
}
