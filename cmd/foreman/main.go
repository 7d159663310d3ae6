// Command foreman runs the orchestration core: the task ledger, knowledge
// store, provider registry, mode controller, approval gate, and the worker
// pool that ties them together, plus the admin gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/foreman/internal/approval"
	"github.com/basket/foreman/internal/bus"
	"github.com/basket/foreman/internal/config"
	"github.com/basket/foreman/internal/gateway"
	"github.com/basket/foreman/internal/knowledge"
	"github.com/basket/foreman/internal/ledger"
	"github.com/basket/foreman/internal/maintenance"
	"github.com/basket/foreman/internal/notify"
	"github.com/basket/foreman/internal/orchestrator"
	"github.com/basket/foreman/internal/otel"
	"github.com/basket/foreman/internal/provider"
	"github.com/basket/foreman/internal/schedule"
	"github.com/basket/foreman/internal/telemetry"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "foreman:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		homeDir     = flag.String("home", "", "foreman home directory (default ~/.foreman)")
		quiet       = flag.Bool("quiet", false, "log to file only")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("foreman", version)
		return nil
	}

	cfg, err := config.Load(*homeDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Mirror logs to stdout only on a terminal; a service manager gets the
	// file alone.
	mirror := !*quiet && (isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()))
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, !mirror)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	logger.Info("starting", "version", version, "home", cfg.HomeDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	eventBus := bus.New()

	store, err := ledger.Open(cfg.LedgerDBPath, eventBus)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	// Claims held by a previous process are dead by definition; put them back.
	if n, err := store.RequeueStale(ctx, 0); err != nil {
		return fmt.Errorf("recover stale claims: %w", err)
	} else if n > 0 {
		logger.Info("recovered stale claims", "count", n)
	}

	var embedder knowledge.Embedder
	switch cfg.Retrieval.Embedder {
	case "ollama":
		embedder = knowledge.NewOllamaEmbedder(cfg.Retrieval.OllamaBaseURL, cfg.Retrieval.OllamaModel, cfg.Retrieval.EmbedDim)
	default:
		embedder = knowledge.NewHashingEmbedder(cfg.Retrieval.EmbedDim)
	}
	kstore, err := knowledge.Open(cfg.KnowledgeDBPath, knowledge.Options{
		ChunkTokens:  cfg.Retrieval.ChunkTokens,
		ChunkOverlap: cfg.Retrieval.ChunkOverlapTokens,
		Embedder:     embedder,
		Bus:          eventBus,
		Metrics:      metrics,
	})
	if err != nil {
		return fmt.Errorf("open knowledge store: %w", err)
	}
	defer kstore.Close()

	registry := provider.NewRegistry(logger, cfg.Budget.CostCap)
	for _, p := range cfg.Providers {
		impl := provider.NewHTTPProvider(p.ID, p.Endpoint, p.APIKeyEnv, time.Duration(p.TimeoutSeconds)*time.Second)
		desc := provider.Descriptor{
			ID:             p.ID,
			Class:          provider.Class(p.Class),
			MaxConcurrency: p.MaxConcurrency,
			CostWeight:     p.CostWeight,
			Essential:      p.Essential,
		}
		if err := registry.Register(desc, impl); err != nil {
			return err
		}
	}

	modes, err := schedule.New(logger, eventBus, cfg.Schedule, cfg.GracePeriod())
	if err != nil {
		return fmt.Errorf("init mode controller: %w", err)
	}
	gate := approval.NewGate(logger, store, eventBus, cfg.ApprovalTimeout())

	validator, err := provider.NewValidator("")
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}
	publisher, err := orchestrator.NewFilePublisher(filepath.Join(cfg.HomeDir, "results"))
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}

	engine, err := orchestrator.New(orchestrator.Options{
		Logger:    logger,
		Store:     store,
		Knowledge: kstore,
		Registry:  registry,
		Modes:     modes,
		Gate:      gate,
		Validator: validator,
		Publisher: publisher,
		Bus:       eventBus,
		Tracer:    otelProvider.Tracer,
		Metrics:   metrics,
		RetryMax:  cfg.RetryMax,
		ContextK:  cfg.Retrieval.ContextK,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	sweeps, err := maintenance.New(maintenance.Options{
		Logger:      logger,
		Ledger:      store,
		Knowledge:   kstore,
		ClaimTTL:    cfg.ClaimTTL(),
		KnowledgeGC: cfg.Maintenance.KnowledgeGC,
		StaleSweep:  cfg.Maintenance.StaleSweep,
	})
	if err != nil {
		return fmt.Errorf("init maintenance: %w", err)
	}

	var notifier notify.Notifier
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		tn, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			logger.Warn("telegram disabled", "error", err)
		} else {
			notifier = tn
		}
	}
	relay := notify.NewRelay(logger, eventBus, notifier)

	gw := gateway.New(gateway.Options{
		Logger:    logger,
		BindAddr:  cfg.Gateway.BindAddr,
		AuthToken: cfg.Gateway.AuthToken,
		Ledger:    store,
		Knowledge: kstore,
		Registry:  registry,
		Modes:     modes,
		Gate:      gate,
		Bus:       eventBus,
	})

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error(name+" exited", "error", err)
				stop()
			}
		}()
	}

	start("gateway", gw.Run)
	start("mode controller", modes.Run)
	start("health checks", func(ctx context.Context) error {
		registry.RunHealthChecks(ctx, time.Duration(cfg.HealthIntervalSeconds)*time.Second)
		return nil
	})
	start("notify relay", func(ctx context.Context) error {
		relay.Run(ctx)
		return nil
	})
	start("orchestrator", func(ctx context.Context) error {
		engine.Run(ctx)
		return nil
	})
	sweeps.Start()

	<-ctx.Done()
	logger.Info("shutting down")
	sweeps.Stop()
	wg.Wait()
	logger.Info("stopped")
	return nil
}
