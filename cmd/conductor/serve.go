package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/bus"
	"github.com/conductorhq/conductor/checkpoint"
	"github.com/conductorhq/conductor/config"
	"github.com/conductorhq/conductor/definition"
	"github.com/conductorhq/conductor/engine"
	"github.com/conductorhq/conductor/hitl"
	"github.com/conductorhq/conductor/internal/metrics"
	"github.com/conductorhq/conductor/risk"
	"github.com/conductorhq/conductor/router"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := configFlag(fs)
	demo := fs.Bool("demo", false, "Register loopback agents for every agent in the catalog")
	fs.Parse(args)

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting conductor",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics.
	var collector *metrics.Collector
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		collector = metrics.NewCollector(cfg.Metrics.Namespace, registry, logger)
		if cfg.Metrics.ListenAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			metricsSrv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
			go func() {
				logger.Info("metrics endpoint listening", zap.String("addr", cfg.Metrics.ListenAddr))
				if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server failed", zap.Error(err))
				}
			}()
		}
	}

	// Stores.
	ckptStore, err := checkpoint.NewStore(cfg.ToCheckpointConfig())
	if err != nil {
		logger.Fatal("failed to open checkpoint store", zap.Error(err))
	}
	defer ckptStore.Close()

	approvalStore, err := openApprovalStore(cfg)
	if err != nil {
		logger.Fatal("failed to open approval store", zap.Error(err))
	}
	defer approvalStore.Close()

	// Approvals.
	manager := hitl.NewManager(approvalStore, risk.NewAssessor(), hitl.NewLogNotifier(logger), logger)
	manager.StartSweeper(cfg.Approvals.SweepInterval)
	defer manager.StopSweeper()

	// Workflow catalog.
	catalog := definition.NewCatalog(definition.NewDirSource(cfg.Workflows.Dir), cfg.Workflows.CacheTTL, logger)

	// Router.
	var rules []router.Rule
	if cfg.Router.RulesPath != "" {
		rules, err = router.LoadRules(cfg.Router.RulesPath)
		if err != nil {
			logger.Fatal("failed to load routing rules", zap.Error(err))
		}
	}
	rtr, err := router.New(catalog, rules, nil, cfg.RouterOptions(), logger)
	if err != nil {
		logger.Fatal("failed to build router", zap.Error(err))
	}

	// Bus and engine.
	b := bus.New(logger)
	defer b.Stop()

	eng := engine.New(catalog, b, ckptStore, manager, collector, engine.Options{
		Source:             cfg.Engine.Source,
		DefaultStepTimeout: cfg.Engine.DefaultStepTimeout,
		Retry:              cfg.Retry.ToPolicy(),
		Breaker:            cfg.Breaker.ToBreakerConfig(),
		CheckpointRetries:  cfg.Engine.CheckpointRetries,
	}, logger)

	newDispatcher(b, rtr, eng, logger).start(ctx)

	if *demo {
		if err := registerLoopbackAgents(ctx, b, catalog, logger); err != nil {
			logger.Fatal("failed to register loopback agents", zap.Error(err))
		}
	}

	logger.Info("conductor ready",
		zap.String("workflows_dir", cfg.Workflows.Dir),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.String("approvals_backend", cfg.Approvals.Backend),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}

	logger.Info("conductor stopped")
}

func openApprovalStore(cfg *config.Config) (hitl.Store, error) {
	switch cfg.Approvals.Backend {
	case "", "memory":
		return hitl.NewMemoryStore(), nil
	case "redis":
		return hitl.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown approvals backend %q", cfg.Approvals.Backend)
	}
}

// registerLoopbackAgents registers a success-echoing handler for every
// agent named by the catalog's definitions, so workflows can be exercised
// end to end without real workers.
func registerLoopbackAgents(ctx context.Context, b *bus.Bus, catalog *definition.Catalog, logger *zap.Logger) error {
	defs, err := catalog.List(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, def := range defs {
		for _, step := range def.Steps {
			if step.Agent == "" || seen[step.Agent] {
				continue
			}
			seen[step.Agent] = true
			name := step.Agent
			b.RegisterAgent(name, func(ctx context.Context, req *bus.AgentRequest) (*bus.AgentResponse, error) {
				logger.Info("loopback agent invoked",
					zap.String("agent", name),
					zap.String("request_type", req.RequestType),
				)
				return &bus.AgentResponse{
					RequestID: req.ID,
					Status:    bus.StatusSuccess,
					Result:    map[string]any{"echo": req.Payload, "agent": name},
				}, nil
			})
		}
	}

	logger.Info("loopback agents registered", zap.Int("count", len(seen)))
	return nil
}
