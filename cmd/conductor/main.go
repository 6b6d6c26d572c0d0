package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-conductor/internal/api"
	"github.com/nidhogg/nuka-conductor/internal/config"
	"github.com/nidhogg/nuka-conductor/internal/coordinator"
	"github.com/nidhogg/nuka-conductor/internal/executor"
	"github.com/nidhogg/nuka-conductor/internal/health"
	"github.com/nidhogg/nuka-conductor/internal/notify"
	"github.com/nidhogg/nuka-conductor/internal/registry"
	"github.com/nidhogg/nuka-conductor/internal/state"
	"github.com/nidhogg/nuka-conductor/internal/statebus"
	pgstore "github.com/nidhogg/nuka-conductor/internal/store"
	"github.com/nidhogg/nuka-conductor/internal/task"
	"github.com/nidhogg/nuka-conductor/internal/workflow"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/conductor.json"
	}
	cfg, found, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting conductor...")
	if found {
		logger.Info("Config loaded", zap.String("path", cfgPath))
	} else {
		logger.Warn("Config file not found, using defaults", zap.String("path", cfgPath))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := state.NewStore(logger)

	// Redis state mirror
	var bus *statebus.Bus
	stopMirror := func() {}
	if cfg.Database.Redis.URL != "" {
		b, busErr := statebus.New(ctx, cfg.Database.Redis.URL, cfg.Database.Redis.Stream, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without state mirror", zap.Error(busErr))
		} else {
			bus = b
			stopMirror = bus.Mirror(ctx, st)
		}
	}

	// PostgreSQL template repository and snapshot archive
	var pgStore *pgstore.Store
	var templates workflow.TemplateStore
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			templates = ps.Templates()
		}
	}

	// Alerts
	broadcaster := notify.NewBroadcaster(logger)
	if url := cfg.Notify.Slack.WebhookURL; url != "" {
		broadcaster.AddSink(notify.NewSlackSink(url, cfg.Notify.Slack.Username))
	}
	if url := cfg.Notify.Discord.WebhookURL; url != "" {
		sink, dErr := notify.NewDiscordSink(url, cfg.Notify.Discord.Username)
		if dErr != nil {
			logger.Warn("invalid discord webhook, alerts disabled for discord", zap.Error(dErr))
		} else {
			broadcaster.AddSink(sink)
		}
	}
	logger.Info("Alert sinks configured", zap.Strings("sinks", broadcaster.Sinks()))

	execs := executor.NewRegistry()
	executor.RegisterBuiltins(execs)

	// Coordinator
	cc := cfg.Coordinator
	coord := coordinator.New(coordinator.Config{
		ID:                 cc.ID,
		Name:               cc.Name,
		Strategy:           coordinator.Strategy(cc.Strategy),
		MaxConcurrentTasks: cc.MaxConcurrentTasks,
		PollInterval:       cc.PollInterval.Std(),
		TaskTimeout:        cc.TaskTimeout.Std(),
		StateFile:          cc.StateFile,
		AutosaveInterval:   cc.AutosaveInterval.Std(),
	}, task.NewManager(logger), registry.New(logger), st, execs, logger)
	coord.SetNotifier(broadcaster)
	if pgStore != nil {
		coord.SetArchive(pgStore.Snapshots())
	}
	if err := coord.Initialize(ctx); err != nil {
		logger.Fatal("coordinator init failed", zap.Error(err))
	}
	if err := coord.Start(ctx); err != nil {
		logger.Fatal("coordinator start failed", zap.Error(err))
	}

	// Workflow engine
	wc := cfg.Workflow
	engine := workflow.NewEngine(workflow.Config{
		MaxParallel:    wc.MaxParallel,
		DefaultTimeout: wc.DefaultTimeout.Std(),
		RetryBaseDelay: wc.RetryBaseDelay.Std(),
	}, templates, execs, st, logger)
	engine.SetNotifier(broadcaster)

	var watcher *workflow.TemplateWatcher
	if wc.TemplatesDir != "" {
		n, lErr := workflow.LoadTemplateDir(ctx, engine, wc.TemplatesDir)
		if lErr != nil {
			logger.Warn("template dir unavailable", zap.String("dir", wc.TemplatesDir), zap.Error(lErr))
		} else {
			logger.Info("Templates loaded", zap.String("dir", wc.TemplatesDir), zap.Int("count", n))
			if wc.WatchTemplates {
				w, wErr := workflow.NewTemplateWatcher(engine, wc.TemplatesDir, logger)
				if wErr != nil {
					logger.Warn("template watcher unavailable", zap.Error(wErr))
				} else {
					watcher = w
					watcher.Start(ctx)
				}
			}
		}
	}

	// Health monitor
	hc := cfg.Health
	monitor := health.NewMonitor(health.Config{
		Interval:     hc.Interval.Std(),
		CheckTimeout: hc.CheckTimeout.Std(),
	}, coord.Agents(), st, logger)
	monitor.SetNotifier(broadcaster)
	monitor.AddCheck("status", health.StatusCheck())
	if hc.MaxIdle > 0 {
		monitor.AddCheck("activity", health.ActivityCheck(hc.MaxIdle.Std()))
	}
	monitor.Start(ctx)

	// Start server
	handler := api.NewHandler(coord, engine, st, monitor, logger)
	if bus != nil {
		handler.SetChangeFeed(bus)
	}
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "3210"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Conductor listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	logger.Info("Shutting down conductor...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	monitor.Stop()
	if watcher != nil {
		watcher.Close()
	}
	coord.Stop()
	if pgStore != nil {
		if err := coord.ArchiveSnapshot(shutdownCtx); err != nil {
			logger.Warn("final snapshot archive failed", zap.Error(err))
		} else if _, err := pgStore.Snapshots().Prune(shutdownCtx, coord.Config().ID, 20); err != nil {
			logger.Warn("snapshot prune failed", zap.Error(err))
		}
		pgStore.Close()
	}
	stopMirror()
	if bus != nil {
		bus.Close()
	}
	logger.Info("Conductor stopped")
}

// newLogger returns a development logger, or a production logger at level
// when one is configured.
func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		return zap.NewDevelopment()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}
