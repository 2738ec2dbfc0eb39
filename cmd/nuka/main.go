package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/joho/godotenv"
	"github.com/nidhogg/nuka-runtime/internal/actor"
	"github.com/nidhogg/nuka-runtime/internal/api"
	"github.com/nidhogg/nuka-runtime/internal/command"
	"github.com/nidhogg/nuka-runtime/internal/config"
	"github.com/nidhogg/nuka-runtime/internal/orchestrator"
	"github.com/nidhogg/nuka-runtime/internal/registry"
	"github.com/nidhogg/nuka-runtime/internal/skill"
	pgstore "github.com/nidhogg/nuka-runtime/internal/store"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

// run wires and serves the runtime, returning the process exit code once
// every deferred cleanup has run.
func run() int {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/nuka.json"
	}
	cfg, err := config.Load(cfgPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		return 1
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("Starting Nuka runtime...", zap.String("config", cfgPath))

	// Skill catalog and discovery registry
	catalog := skill.NewCatalog()
	skill.RegisterBuiltins(catalog)
	reg := registry.New(catalog, registry.Options{
		Logger:   logger,
		Debounce: cfg.Skills.Debounce.Std(),
		Ignore:   cfg.Skills.Ignore,
	})
	defer reg.Shutdown()

	for _, dir := range cfg.Skills.Dirs {
		if err := reg.LoadFolder(dir, cfg.Skills.Watch); err != nil {
			logger.Warn("skill folder loaded with errors", zap.String("dir", dir), zap.Error(err))
		}
	}
	logger.Info("Skills published", zap.Int("count", len(reg.ListSkillsSchema())))

	// Output bus (optional)
	var bus *orchestrator.MessageBus
	if cfg.Database.Redis.URL != "" {
		b, busErr := connect(logger, "redis", cfg.Database.ConnectAttempts, func() (*orchestrator.MessageBus, error) {
			return orchestrator.NewMessageBus(cfg.Database.Redis.URL, logger)
		})
		if busErr != nil {
			logger.Warn("Redis unavailable, running without output bus", zap.Error(busErr))
		} else {
			bus = b
			defer bus.Close()
		}
	}

	interpOpts := orchestrator.InterpreterOptions{
		TickInterval: cfg.Runtime.TickInterval.Std(),
		Logger:       logger,
	}
	if bus != nil {
		interpOpts.Sink = bus
	}
	interp := orchestrator.NewInterpreter(interpOpts)

	// Invocation journal (optional)
	actorOpts := actor.Options{Logger: logger, Source: "nuka"}
	var pgStore *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := connect(logger, "postgres", cfg.Database.ConnectAttempts, func() (*pgstore.Store, error) {
			return pgstore.New(context.Background(), cfg.Database.Postgres.DSN, logger)
		})
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without journal", zap.Error(pgErr))
		} else {
			defer ps.Close()
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Error("migration failed", zap.Error(mErr))
				return 1
			}
			pgStore = ps
			actorOpts.Journal = ps
		}
	}

	act := actor.New(reg, interp, cfg.Listing, actorOpts)
	if _, err := act.GetListing(); err != nil {
		logger.Warn("listing has unresolved commands", zap.Error(err))
	}

	status := command.RuntimeStatus{Tasks: interp.Scheduler(), Watch: reg, Schemas: reg}
	cmds := command.NewRegistry()
	command.RegisterBuiltins(cmds, reg, act, status)

	deps := api.Deps{
		Registry: reg,
		Actor:    act,
		Commands: cmds,
		Status:   status,
		Logger:   logger,
	}
	if pgStore != nil {
		deps.Journal = pgStore
	}
	if bus != nil {
		deps.Events = bus
	}
	handler := api.NewHandler(deps)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Nuka runtime listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	code := 0
	select {
	case <-quit:
	case err := <-serverErr:
		logger.Error("server error", zap.Error(err))
		code = 1
	}

	logger.Info("Shutting down Nuka runtime...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := act.Shutdown(ctx); err != nil {
		logger.Warn("actor shutdown", zap.Error(err))
	}
	return code
}

// connect retries dial with backoff, for backends that start alongside us.
func connect[T any](logger *zap.Logger, backend string, attempts int, dial func() (T, error)) (T, error) {
	var conn T
	err := retry.Do(
		func() error {
			c, err := dial()
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Attempts(uint(attempts)),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("retrying connection",
				zap.String("backend", backend),
				zap.Uint("attempt", n+1),
				zap.Int("max_attempts", attempts),
				zap.Error(err))
		}),
	)
	return conn, err
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if lvl.Level() == zap.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	return cfg.Build()
}
