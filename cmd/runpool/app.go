package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/credentials"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/docker"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/registry"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/sandbox"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/config"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/logger"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/tracing"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/db"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/events"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/executor"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/watchdog"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/repository"
)

// app holds the components shared by every command that touches storage.
type app struct {
	cfg     *config.Config
	viper   *viper.Viper
	log     *logger.Logger
	runtime *config.Runtime

	repo       repository.Repository
	bus        *events.ProvidedBus
	busCleanup func() error
	docker     *docker.Client
	resolver   *credentials.Resolver
	launcher   *sandbox.Launcher
	executor   *executor.Executor
	watchdog   *watchdog.Watchdog
}

func loadConfig() (*config.Config, *viper.Viper, *logger.Logger, error) {
	cfg, v, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, v, log, nil
}

// newApp opens storage and the event bus and builds the executor and watchdog.
func newApp(ctx context.Context) (*app, error) {
	cfg, v, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, viper: v, log: log, runtime: config.NewRuntime(cfg)}

	if err := tracing.Init(ctx, cfg.Tracing.OTLPEndpoint); err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
	}

	pool, err := db.Open(db.Options{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	repo, err := repository.NewSQLRepository(pool)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	a.repo = repo
	log.Info("Database ready", zap.String("driver", cfg.Database.Driver))

	a.bus, a.busCleanup, err = events.Provide(cfg, log)
	if err != nil {
		a.close()
		return nil, err
	}

	if cfg.Docker.Enabled {
		dockerClient, err := docker.NewClient(cfg.Docker, log)
		if err != nil {
			log.Warn("Docker sandbox unavailable", zap.Error(err))
		} else {
			a.docker = dockerClient
		}
	}

	a.resolver = credentials.NewResolver(repo, cfg.Proxy.UpstreamURL, cfg.Proxy.APIKey)
	a.launcher = sandbox.NewLauncher(cfg.Executor.Sandbox, cfg.Docker, a.docker, log)
	a.executor = executor.NewExecutor(repo, a.launcher, a.resolver, a.bus.Bus, log, executor.OptionsFromConfig(cfg))
	a.watchdog = watchdog.New(a.executor, repo, a.runtime, a.bus.Bus, log, cfg.Watchdog.Interval())
	return a, nil
}

// seedModels loads the model registry and inserts configs storage lacks.
func (a *app) seedModels(ctx context.Context) error {
	reg := registry.NewRegistry(a.log)
	if err := reg.LoadDefaults(); err != nil {
		return err
	}
	if a.cfg.Models.File != "" {
		if err := reg.LoadFromFile(a.cfg.Models.File); err != nil {
			return err
		}
	}
	_, err := reg.Seed(ctx, a.repo)
	return err
}

// recover clears what a previous process may have left behind: its managed
// containers and every run still marked running.
func (a *app) recover(ctx context.Context) (int, error) {
	if a.docker != nil {
		if _, err := a.docker.RemoveManaged(ctx); err != nil {
			a.log.Warn("Failed to remove leftover containers", zap.Error(err))
		}
	}
	return a.watchdog.SweepStartup(ctx)
}

func (a *app) close() {
	var errs []error
	if a.busCleanup != nil {
		errs = append(errs, a.busCleanup())
	}
	if a.docker != nil {
		errs = append(errs, a.docker.Close())
	}
	if a.repo != nil {
		errs = append(errs, a.repo.Close())
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, tracing.Shutdown(shutdownCtx))
	if err := errors.Join(errs...); err != nil {
		a.log.Error("Shutdown error", zap.Error(err))
	}
	_ = a.log.Sync()
}
