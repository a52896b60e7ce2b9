// Package model defines the data structures for tsearch's configuration,
// reaction lifecycle, and persisted outcomes.
package model

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Run         RunConfig         `yaml:"run"`
	Search      SearchConfig      `yaml:"search"`
	Engines     EnginesConfig     `yaml:"engines"`
	Resources   ResourcesConfig   `yaml:"resources"`
	DFT         DFTConfig         `yaml:"dft"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type RunConfig struct {
	InputFile string `yaml:"input_file"`
	WorkDir   string `yaml:"work_dir"`
	OutputDir string `yaml:"output_dir"`
	Workers   int    `yaml:"workers"`
	Solvent   string `yaml:"solvent,omitempty"`
}

type SearchConfig struct {
	// Reactive complex scaling factors, attempted strictly in order.
	FactorsIntra []float64 `yaml:"reactive_complex_factors_intra"`
	FactorsInter []float64 `yaml:"reactive_complex_factors_inter"`

	// ExploreAllFactors disables the sequential early-exit fallback and
	// runs every factor hypothesis regardless of earlier successes.
	ExploreAllFactors bool `yaml:"explore_all_factors"`

	RetriesPerFactor int `yaml:"retries_per_factor"`

	// FreqCutoff is the minimum magnitude (cm^-1) of the dominant
	// imaginary frequency for a guess to survive the filter.
	FreqCutoff float64 `yaml:"freq_cut_off"`
	// MinorModeTolerance is the largest magnitude (cm^-1) any second
	// imaginary mode may have before the guess is rejected.
	MinorModeTolerance float64 `yaml:"minor_mode_tolerance"`

	// DisplacementCutoff filters small bond displacements when mapping
	// the imaginary mode onto active bonds.
	DisplacementCutoff float64 `yaml:"displacement_cut_off"`
	// ActivationFactor scales equilibrium bond lengths when checking
	// that TS bond lengths are intermediate between endpoints.
	ActivationFactor float64 `yaml:"activation_factor"`

	PathFrames  int `yaml:"path_frames"`
	GuessWindow int `yaml:"guess_window"`
}

type EnginesConfig struct {
	XTBBinary      string `yaml:"xtb_binary"`
	GaussianBinary string `yaml:"gaussian_binary"`
	// XTBExternalPath is the driver script Gaussian invokes when the
	// cheap level runs inside a g16 optimization (external= route).
	XTBExternalPath string `yaml:"xtb_external_path"`
	EmbedCommand    string `yaml:"embed_command"`

	// SubmitMode selects how engine completion is detected: "exec" waits
	// on the child process, "queue" watches the log file for the
	// termination marker after the submit command returns.
	SubmitMode string `yaml:"submit_mode"`

	JobTimeoutSec  int `yaml:"job_timeout_sec"`
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

type ResourcesConfig struct {
	Memory     string `yaml:"memory"`
	Processors int    `yaml:"processors"`
}

type DFTConfig struct {
	Functional string `yaml:"functional"`
	BasisSet   string `yaml:"basis_set"`
}

// TieBreak selects the outcome policy when several guesses for one
// reaction succeed.
type TieBreak string

const (
	TieBreakFirstSuccess TieBreak = "first_success"
	TieBreakLowestEnergy TieBreak = "lowest_energy"
)

type AggregationConfig struct {
	TieBreak TieBreak `yaml:"tie_break"`
	// SettleWindowSec only applies to lowest_energy: how long after the
	// first success the aggregator keeps accepting lower-energy upgrades.
	SettleWindowSec int `yaml:"settle_window_sec"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is supplied.
// Factor ladders and cutoffs follow the published defaults of the method.
func DefaultConfig() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// LoadConfig reads a YAML config file and fills unset fields with defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Run.Workers <= 0 {
		cfg.Run.Workers = runtime.NumCPU()
	}
	if cfg.Run.WorkDir == "" {
		cfg.Run.WorkDir = "work_dir"
	}
	if cfg.Run.OutputDir == "" {
		cfg.Run.OutputDir = "final_" + cfg.Run.WorkDir
	}
	if len(cfg.Search.FactorsIntra) == 0 {
		cfg.Search.FactorsIntra = []float64{1.2, 1.3, 1.8}
	}
	if len(cfg.Search.FactorsInter) == 0 {
		cfg.Search.FactorsInter = []float64{2.5, 1.8, 2.8, 1.3}
	}
	if cfg.Search.RetriesPerFactor <= 0 {
		cfg.Search.RetriesPerFactor = 3
	}
	if cfg.Search.FreqCutoff <= 0 {
		cfg.Search.FreqCutoff = 150
	}
	if cfg.Search.MinorModeTolerance <= 0 {
		cfg.Search.MinorModeTolerance = 50
	}
	if cfg.Search.DisplacementCutoff <= 0 {
		cfg.Search.DisplacementCutoff = 0.5
	}
	if cfg.Search.ActivationFactor <= 0 {
		cfg.Search.ActivationFactor = 1.05
	}
	if cfg.Search.PathFrames <= 0 {
		cfg.Search.PathFrames = 24
	}
	if cfg.Search.GuessWindow <= 0 {
		cfg.Search.GuessWindow = 2
	}
	if cfg.Engines.XTBBinary == "" {
		cfg.Engines.XTBBinary = "xtb"
	}
	if cfg.Engines.GaussianBinary == "" {
		cfg.Engines.GaussianBinary = "g16"
	}
	if cfg.Engines.SubmitMode == "" {
		cfg.Engines.SubmitMode = "exec"
	}
	if cfg.Engines.JobTimeoutSec <= 0 {
		cfg.Engines.JobTimeoutSec = 7200
	}
	if cfg.Engines.PollIntervalMs <= 0 {
		cfg.Engines.PollIntervalMs = 2000
	}
	if cfg.Resources.Memory == "" {
		cfg.Resources.Memory = "16GB"
	}
	if cfg.Resources.Processors <= 0 {
		cfg.Resources.Processors = 8
	}
	if cfg.DFT.Functional == "" {
		cfg.DFT.Functional = "UB3LYP"
	}
	if cfg.DFT.BasisSet == "" {
		cfg.DFT.BasisSet = "6-31G(d,p)"
	}
	if cfg.Aggregation.TieBreak == "" {
		cfg.Aggregation.TieBreak = TieBreakFirstSuccess
	}
	if cfg.Aggregation.SettleWindowSec <= 0 {
		cfg.Aggregation.SettleWindowSec = 60
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	for _, f := range c.Search.FactorsIntra {
		if f <= 0 {
			return fmt.Errorf("reactive_complex_factors_intra: factor %v must be positive", f)
		}
	}
	for _, f := range c.Search.FactorsInter {
		if f <= 0 {
			return fmt.Errorf("reactive_complex_factors_inter: factor %v must be positive", f)
		}
	}
	switch c.Aggregation.TieBreak {
	case TieBreakFirstSuccess, TieBreakLowestEnergy:
	default:
		return fmt.Errorf("aggregation.tie_break: unknown policy %q", c.Aggregation.TieBreak)
	}
	switch c.Engines.SubmitMode {
	case "exec", "queue":
	default:
		return fmt.Errorf("engines.submit_mode: must be \"exec\" or \"queue\", got %q", c.Engines.SubmitMode)
	}
	return nil
}
