package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/molforge/tsearch/internal/aggregate"
	"github.com/molforge/tsearch/internal/chem"
	"github.com/molforge/tsearch/internal/complexgen"
	"github.com/molforge/tsearch/internal/dispatch"
	"github.com/molforge/tsearch/internal/embed"
	"github.com/molforge/tsearch/internal/engine"
	"github.com/molforge/tsearch/internal/events"
	"github.com/molforge/tsearch/internal/guess"
	"github.com/molforge/tsearch/internal/input"
	"github.com/molforge/tsearch/internal/layout"
	"github.com/molforge/tsearch/internal/lock"
	"github.com/molforge/tsearch/internal/logging"
	"github.com/molforge/tsearch/internal/model"
	"github.com/molforge/tsearch/internal/optimizer"
	"github.com/molforge/tsearch/internal/pathsearch"
	"github.com/molforge/tsearch/internal/report"
	"github.com/molforge/tsearch/internal/yamlio"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "search":
		runSearch(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		fmt.Printf("tsearch %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	inputFile := fs.String("input", "", "reaction list file (overrides config)")
	workDir := fs.String("workdir", "", "work directory (overrides config)")
	outputDir := fs.String("outdir", "", "final output directory (overrides config)")
	workers := fs.Int("workers", 0, "worker pool size (overrides config)")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("search", err)
	}
	applyOverrides(&cfg, *inputFile, *workDir, *outputDir, *workers)
	if cfg.Run.InputFile == "" {
		fatal("search", fmt.Errorf("no reaction list: set -input or run.input_file in the config"))
	}

	reactions, err := input.ReadReactionList(cfg.Run.InputFile)
	if err != nil {
		fatal("search", err)
	}

	run, fileLock, log, bus, cleanup, err := setupRun(cfg)
	if err != nil {
		fatal("search", err)
	}
	defer cleanup()
	defer fileLock.Unlock()

	pipeline := buildPipeline(cfg, run, bus, log, optimizer.SemiempiricalLevel(cfg.Engines.XTBExternalPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	log.Infow("search started",
		"reactions", len(reactions), "workers", cfg.Run.Workers, "work_dir", cfg.Run.WorkDir)
	if err := pipeline.RunAll(ctx, reactions); err != nil {
		fatal("search", err)
	}

	printSummary(pipeline, reactions, time.Since(start))
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	inputFile := fs.String("input", "", "reaction list file (overrides config)")
	fromDir := fs.String("from", "", "work directory of the completed search run (defaults to run.work_dir)")
	workDir := fs.String("workdir", "", "validation work directory (defaults to <from>_dft)")
	outputDir := fs.String("outdir", "", "final output directory (overrides config)")
	workers := fs.Int("workers", 0, "worker pool size (overrides config)")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("validate", err)
	}
	applyOverrides(&cfg, *inputFile, "", *outputDir, *workers)
	if cfg.Run.InputFile == "" {
		fatal("validate", fmt.Errorf("no reaction list: set -input or run.input_file in the config"))
	}

	source := *fromDir
	if source == "" {
		source = cfg.Run.WorkDir
	}
	cfg.Run.WorkDir = *workDir
	if cfg.Run.WorkDir == "" {
		cfg.Run.WorkDir = source + "_dft"
	}
	if *outputDir == "" {
		cfg.Run.OutputDir = "final_" + cfg.Run.WorkDir
	}

	reactions, err := input.ReadReactionList(cfg.Run.InputFile)
	if err != nil {
		fatal("validate", err)
	}
	tasks, err := loadValidationTasks(source, reactions)
	if err != nil {
		fatal("validate", err)
	}
	if len(tasks) == 0 {
		fmt.Println("no confirmed transition states to validate")
		return
	}

	run, fileLock, log, bus, cleanup, err := setupRun(cfg)
	if err != nil {
		fatal("validate", err)
	}
	defer cleanup()
	defer fileLock.Unlock()

	pipeline := buildPipeline(cfg, run, bus, log, optimizer.DFTLevel(cfg.DFT))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	log.Infow("validation started",
		"tasks", len(tasks), "functional", cfg.DFT.Functional, "basis", cfg.DFT.BasisSet)
	if err := pipeline.ValidateAll(ctx, tasks); err != nil {
		fatal("validate", err)
	}

	validated := make([]model.Reaction, len(tasks))
	for i, task := range tasks {
		validated[i] = task.Reaction
	}
	printSummary(pipeline, validated, time.Since(start))
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	workDir := fs.String("workdir", "", "work directory to scan (overrides config)")
	jsonOutput := fs.Bool("json", false, "emit JSON instead of text")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("status", err)
	}
	if *workDir != "" {
		cfg.Run.WorkDir = *workDir
	}

	summary, err := report.Scan(cfg.Run.WorkDir)
	if err != nil {
		fatal("status", err)
	}
	if *jsonOutput {
		if err := summary.WriteJSON(os.Stdout); err != nil {
			fatal("status", err)
		}
		return
	}
	summary.WriteText(os.Stdout, 0)
}

func loadConfig(path string) (model.Config, error) {
	if path == "" {
		return model.DefaultConfig(), nil
	}
	return model.LoadConfig(path)
}

func applyOverrides(cfg *model.Config, inputFile, workDir, outputDir string, workers int) {
	if inputFile != "" {
		cfg.Run.InputFile = inputFile
	}
	if workDir != "" {
		cfg.Run.WorkDir = workDir
	}
	if outputDir != "" {
		cfg.Run.OutputDir = outputDir
	}
	if workers > 0 {
		cfg.Run.Workers = workers
	}
}

// setupRun prepares the shared run infrastructure: directory tree, the
// exclusive work-dir lock, logging, and the event bus with its audit
// trail. The returned cleanup flushes and closes everything but the lock.
func setupRun(cfg model.Config) (layout.Run, *lock.FileLock, *zap.SugaredLogger, *events.Bus, func(), error) {
	run := layout.NewRun(cfg.Run.WorkDir, cfg.Run.OutputDir)
	if err := run.EnsureRoot(); err != nil {
		return run, nil, nil, nil, nil, err
	}

	fileLock := lock.NewFileLock(run.LockPath())
	if err := fileLock.TryLock(); err != nil {
		return run, nil, nil, nil, nil, fmt.Errorf("work dir %s is in use: %w", cfg.Run.WorkDir, err)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fileLock.Unlock()
		return run, nil, nil, nil, nil, err
	}

	bus := events.NewBus(256)
	audit, err := events.NewAuditLog(run.AuditPath())
	if err != nil {
		fileLock.Unlock()
		return run, nil, nil, nil, nil, err
	}
	detach := audit.Attach(bus)

	cleanup := func() {
		detach()
		_ = audit.Close()
		_ = log.Sync()
	}
	return run, fileLock, log, bus, cleanup, nil
}

// buildPipeline wires the engines and stages for one run. The cheap
// engine drives everything up to the guess filter; the expensive engine
// only ever sees saddle-point and IRC jobs.
func buildPipeline(cfg model.Config, run layout.Run, bus *events.Bus, log *zap.SugaredLogger, level optimizer.Level) *dispatch.Pipeline {
	timeout := time.Duration(cfg.Engines.JobTimeoutSec) * time.Second
	cheap := engine.WithTimeout(engine.NewXTB(cfg.Engines.XTBBinary), timeout)
	expensive := engine.WithTimeout(engine.NewGaussian(
		cfg.Engines.GaussianBinary,
		engine.SubmitMode(cfg.Engines.SubmitMode),
		time.Duration(cfg.Engines.PollIntervalMs)*time.Millisecond,
	), timeout)

	adapter := &optimizer.Adapter{
		Saddle:    expensive,
		Endpoint:  cheap,
		Level:     level,
		Resources: cfg.Resources,
		Solvent:   cfg.Run.Solvent,
		Config:    cfg.Search,
		Log:       log,
	}

	return &dispatch.Pipeline{
		Config:     cfg,
		Run:        run,
		Embedder:   embed.NewScriptEmbedder(cfg.Engines.EmbedCommand),
		Generator:  complexgen.NewGenerator(cheap),
		Searcher:   pathsearch.NewSearcher(cheap, cfg.Search.PathFrames),
		Filter:     guess.NewFilter(cheap, cfg.Search, log),
		Optimizer:  adapter,
		Aggregator: aggregate.New(run, cfg.Aggregation, bus, log),
		Bus:        bus,
		Log:        log,
	}
}

// loadValidationTasks collects the confirmed outcomes of a completed
// search run and pairs them with the endpoint geometries persisted there.
// Reactions without a confirmed TS are skipped, not errors.
func loadValidationTasks(sourceDir string, reactions []model.Reaction) ([]dispatch.ValidationTask, error) {
	source := layout.NewRun(sourceDir, "")

	var tasks []dispatch.ValidationTask
	for _, reaction := range reactions {
		r := source.Reaction(reaction.Index)

		var file model.OutcomeFile
		if err := yamlio.ReadInto(r.OutcomePath(), &file); err != nil {
			continue
		}
		if model.ValidateOutcomeFile(file) != nil {
			continue
		}
		outcome := file.Outcome
		if outcome.Status != model.StatusConfirmed || outcome.Confirmed == nil {
			continue
		}

		reactant, err := chem.ReadXYZFile(r.ReactantXYZ())
		if err != nil {
			return nil, fmt.Errorf("reaction %s: %w", reaction.ID, err)
		}
		product, err := chem.ReadXYZFile(r.ProductXYZ())
		if err != nil {
			return nil, fmt.Errorf("reaction %s: %w", reaction.ID, err)
		}

		tasks = append(tasks, dispatch.ValidationTask{
			Reaction: reaction,
			Guess: model.TSGuess{
				ID:         outcome.Confirmed.GuessID,
				ReactionID: reaction.ID,
				XYZPath:    outcome.Confirmed.XYZPath,
				ImagFreq:   outcome.Confirmed.ImagFreq,
			},
			Pair: &embed.Pair{Reactant: reactant, Product: product},
		})
	}
	return tasks, nil
}

func printSummary(pipeline *dispatch.Pipeline, reactions []model.Reaction, elapsed time.Duration) {
	outcomes := make([]model.ReactionOutcome, 0, len(reactions))
	for _, reaction := range reactions {
		if outcome, ok := pipeline.Aggregator.Outcome(reaction.ID); ok {
			outcomes = append(outcomes, outcome)
		}
	}
	report.FromOutcomes(outcomes).WriteText(os.Stdout, elapsed)
}

func fatal(command string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
	os.Exit(1)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `tsearch %s - transition state search from reaction SMILES

Usage: tsearch <command> [options]

Commands:
  search    Run the TS search over a reaction list
            -config <file> -input <file> -workdir <dir> -outdir <dir> -workers <n>
  validate  Re-optimize previously confirmed TSs at the DFT level
            -config <file> -input <file> -from <dir> -workdir <dir> -outdir <dir> -workers <n>
  status    Summarize a work directory
            -config <file> -workdir <dir> -json
  version   Show version
  help      Show this help

`, version)
}
