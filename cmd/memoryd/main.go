package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/lumachat/memoryd/config"
	"github.com/lumachat/memoryd/docstore"
	"github.com/lumachat/memoryd/llm"
	"github.com/lumachat/memoryd/llm/anthropic"
	llmollama "github.com/lumachat/memoryd/llm/ollama"
	"github.com/lumachat/memoryd/llm/openai"
	memlogger "github.com/lumachat/memoryd/logger"
	"github.com/lumachat/memoryd/memory"
	"github.com/lumachat/memoryd/memory/ollama"
	"github.com/lumachat/memoryd/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", config.DefaultConfigPath(), "Path to config file")
		dbPath     = flag.String("db", "", "Path to SQLite database file (overrides config)")
		logFile    = flag.String("logfile", "", "Path to log file. If not set, logs to stdout/stderr")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is not set)")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logFile == "" && cfg.LogFile != "" {
		*logFile = cfg.LogFile
	}

	logger, err := memlogger.Init(memlogger.Options{File: *logFile, Pretty: *pretty})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info().
		Str("config", *configPath).
		Str("db", cfg.DBPath).
		Msg("memoryd starting")

	// ---------------------------
	// 1. SQLite + document store
	// ---------------------------

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // No remedy for db close errors

	if err := migrations.RunMigrations(db, "./migrations", logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	store := docstore.NewStore(db, logger)

	// ---------------------------
	// 2. Embedding service + vector indexes
	// ---------------------------

	embedder, err := ollama.NewEmbedder(ollama.Model(cfg.Embedding.Model))
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	embeds := memory.NewEmbeddingService(embedder, store, cfg.Embedding.Dimension, logger)

	initCtx, cancelInit := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelInit()
	if err := embeds.Init(initCtx); err != nil {
		return fmt.Errorf("failed to rebuild vector indexes: %w", err)
	}

	// ---------------------------
	// 3. Catalog, extractor, augmenter
	// ---------------------------

	tasks := memory.NewTaskQueue(
		cfg.Backfill.Workers,
		cfg.Backfill.QueueSize,
		time.Duration(cfg.Backfill.TaskTimeout)*time.Second,
		logger,
	)
	defer tasks.Close()

	catalog := memory.NewCatalog(store, embeds, tasks, logger)

	completions, err := buildCompletionClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create completion client: %w", err)
	}
	// The engine is consumed in-process by the surrounding chat pipeline,
	// which owns wire formats. The daemon wires it up and runs its
	// background duties.
	engine := memory.Engine{
		Catalog:   catalog,
		Extractor: memory.NewExtractor(catalog, completions, cfg.Extraction.Model, logger),
		Augmenter: memory.NewAugmenter(catalog, cfg.Retrieval.MemoryLimit, logger),
	}

	// ---------------------------
	// 4. Embedding backfill: startup sweep + cron
	// ---------------------------

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()

	runSweep := func() {
		ctx, cancel := context.WithTimeout(sweepCtx, time.Minute)
		defer cancel()
		if _, err := engine.Catalog.BackfillMissingEmbeddings(ctx); err != nil {
			logger.Warn().Err(err).Msg("Embedding backfill sweep failed")
		}
	}
	go runSweep()

	scheduler := cron.New()
	if cfg.Backfill.Schedule != "" {
		if _, err := scheduler.AddFunc(cfg.Backfill.Schedule, runSweep); err != nil {
			return fmt.Errorf("invalid backfill schedule %q: %w", cfg.Backfill.Schedule, err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	logger.Info().
		Str("embeddingModel", cfg.Embedding.Model).
		Int("dimension", cfg.Embedding.Dimension).
		Str("extractionProvider", cfg.Extraction.Provider).
		Msg("memoryd ready")

	// ---------------------------
	// 5. Wait for shutdown
	// ---------------------------

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	cancelSweep()
	logger.Info().Msg("memoryd shutdown complete")
	return nil
}

// buildCompletionClient picks the extraction LLM per config.
func buildCompletionClient(cfg *config.Config, logger zerolog.Logger) (llm.Client, error) {
	switch cfg.Extraction.Provider {
	case "anthropic":
		model := cfg.Extraction.Model
		if model == "" {
			model = cfg.Anthropic.Model
		}
		return anthropic.NewClient(cfg.Anthropic.APIKey, model, logger)
	case "openai":
		model := cfg.Extraction.Model
		if model == "" {
			model = cfg.OpenAI.Model
		}
		return openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, model, cfg.OpenAI.Organization)
	case "ollama", "":
		model := cfg.Extraction.Model
		if model == "" {
			model = cfg.Ollama.Model
		}
		return llmollama.NewClient(model)
	}
	return nil, fmt.Errorf("unknown extraction provider %q", cfg.Extraction.Provider)
}
