package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/agent/proxy"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/httpmw"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/common/portutil"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/api"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/executor"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/scheduler"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/orchestrator/streaming"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/preview"
	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
)

const serverName = "runpool"

func runServe(cmd *cobra.Command, _ []string) error {
	// 1. Signal-aware root context
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Storage, bus, executor and watchdog
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.log
	cfg := a.cfg

	if a.docker != nil {
		if err := a.docker.Ping(ctx); err != nil {
			log.Warn("Docker daemon not reachable", zap.Error(err))
		}
	}

	// 3. Model registry
	if err := a.seedModels(ctx); err != nil {
		return fmt.Errorf("failed to seed models: %w", err)
	}

	// 4. Recover runs left behind by a previous process
	n, err := a.recover(ctx)
	if err != nil {
		return fmt.Errorf("startup sweep failed: %w", err)
	}
	log.Info("Startup sweep finished", zap.Int("orphans", n))

	// 5. Credential proxy
	prx := proxy.New(a.resolver, nil, log)
	if err := prx.Start(cfg.Proxy.ListenAddr); err != nil {
		return fmt.Errorf("failed to start proxy: %w", err)
	}

	// 6. Scheduler, watchdog and config reload
	sched := scheduler.NewScheduler(a.repo, a.executor, a.runtime, a.bus.Bus, log,
		time.Duration(cfg.Scheduler.PollIntervalSeconds)*time.Second)
	a.runtime.OnChange(sched.Kick)
	a.runtime.Watch(a.viper, log)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	a.watchdog.Start(ctx)

	// 7. Preview sessions
	ports, err := portutil.NewRangeAllocator(cfg.Preview.PortMin, cfg.Preview.PortMax,
		time.Duration(cfg.Preview.ReservationSeconds)*time.Second)
	if err != nil {
		return fmt.Errorf("invalid preview port range: %w", err)
	}
	scripts := preview.NewAgentScriptGenerator(a.launcher, filepath.Join(cfg.Executor.WorkRoot, ".preview-scratch"), log)
	scripts.AgentCommand = cfg.Executor.AgentCommand
	scripts.AgentArgs = cfg.Executor.AgentArgs
	scripts.ProxyURL = executor.ProxyURL(cfg.Proxy.ListenAddr)
	scripts.ExtraEnv = executor.ParseEnvList(cfg.Executor.ExtraEnv)
	scripts.Grace = cfg.Watchdog.TerminateGrace()
	if cfg.Preview.ScriptTimeoutMinutes > 0 {
		scripts.Timeout = time.Duration(cfg.Preview.ScriptTimeoutMinutes) * time.Minute
	}
	previews := preview.NewManager(a.repo, a.launcher, scripts, ports, a.executor.RunDir, log, preview.OptionsFromConfig(cfg))
	previews.StartReaper(ctx)

	// 8. Live event streaming
	hub := streaming.NewHub(log)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go hub.Run(hubCtx)
	if _, err := hub.AttachBus(a.bus.Bus); err != nil {
		return fmt.Errorf("failed to attach websocket hub: %w", err)
	}

	svc := orchestrator.NewService(a.repo, a.executor, sched, a.runtime, previews, a.bus.Bus, log)

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.RequestID())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.CORS())
	router.Use(httpmw.ErrorHandler(log))

	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, svc, log)
	preview.SetupRoutes(v1, previews, log)
	streaming.SetupWebSocketRoutes(v1, streaming.NewWSHandler(hub, a.repo, log))
	preview.SetupStaticRoutes(router, previews, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serverName})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// 10. Wait for a signal or a server failure, then shut down in reverse order
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := sched.Stop(); err != nil {
			log.Error("Scheduler stop error", zap.Error(err))
		}
		a.watchdog.Stop()
		previews.Shutdown(shutdownCtx)
		if err := a.executor.Shutdown(shutdownCtx, models.StopReasonManual); err != nil {
			log.Error("Executor shutdown error", zap.Error(err))
		}
		if err := prx.Shutdown(shutdownCtx); err != nil {
			log.Error("Proxy shutdown error", zap.Error(err))
		}
		hubCancel()
		return nil
	})

	err = g.Wait()
	log.Info("Stopped")
	return err
}
