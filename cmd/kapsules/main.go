package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/eyes-pick/kapsules/internal/app/migrate"
	"github.com/eyes-pick/kapsules/internal/docker"
	httpx "github.com/eyes-pick/kapsules/internal/http"
	"github.com/eyes-pick/kapsules/internal/imagebuilder"
	"github.com/eyes-pick/kapsules/internal/llm"
	"github.com/eyes-pick/kapsules/internal/ports"
	"github.com/eyes-pick/kapsules/internal/repository"
	"github.com/eyes-pick/kapsules/internal/repository/memory"
	"github.com/eyes-pick/kapsules/internal/repository/postgres"
	"github.com/eyes-pick/kapsules/internal/repository/sqlite"
	"github.com/eyes-pick/kapsules/internal/runtime"
	"github.com/eyes-pick/kapsules/internal/service/events"
	"github.com/eyes-pick/kapsules/internal/service/orchestrator"
	"github.com/eyes-pick/kapsules/internal/service/pipeline"
	"github.com/eyes-pick/kapsules/internal/service/reaper"
	"github.com/eyes-pick/kapsules/internal/workspace"
	"github.com/eyes-pick/kapsules/internal/ws"
	"github.com/eyes-pick/kapsules/pkg/config"
	webhook "github.com/eyes-pick/kapsules/pkg/events"
	"github.com/eyes-pick/kapsules/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadOrchestratorConfig()
	log := logger.New("kapsules", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var (
		engine imagebuilder.Docker
		rt     runtime.Adapter
		prober runtime.Prober
	)
	switch cfg.RuntimeBackend {
	case "docker":
		dockerClient, err := docker.New(cfg.DockerHost)
		if err != nil {
			log.Error("failed to create docker client", "error", err)
			os.Exit(1)
		}
		defer dockerClient.Close()
		if err := dockerClient.Ping(ctx); err != nil {
			log.Warn("docker daemon unreachable", "error", err)
		}
		engine = dockerClient
		rt = runtime.NewDocker(dockerClient)
		prober = runtime.NewHTTPProber(0)
	case "memory":
		log.Warn("memory runtime selected, units are simulated and images are not built")
		engine = imagebuilder.DryDocker{}
		rt = runtime.NewMemory()
		prober = runtime.NoopProber{}
	default:
		log.Error("unsupported runtime backend", "backend", cfg.RuntimeBackend)
		os.Exit(1)
	}

	workspaces, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("failed to prepare workspace root", "dir", cfg.Workdir, "error", err)
		os.Exit(1)
	}
	templates := imagebuilder.NewTemplates(cfg.TemplatesDir)
	images, err := imagebuilder.New(engine, workspaces, templates, cfg.Registry, log.With("component", "imagebuilder"))
	if err != nil {
		log.Error("failed to configure image builder", "error", err)
		os.Exit(1)
	}

	alloc, err := ports.New(cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		log.Error("invalid port range", "start", cfg.PortRangeStart, "end", cfg.PortRangeEnd, "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, using in-process locks and rate limits", "addr", addr, "error", err)
			redisClient = nil
		}
	}

	var hook events.Webhook
	if url := strings.TrimSpace(cfg.EventWebhookURL); url != "" {
		emitter, err := webhook.NewEmitter(url, cfg.EventWebhookToken, nil)
		if err != nil {
			log.Warn("event webhook disabled", "error", err)
		} else {
			hook = emitter
		}
	}

	hub := ws.NewHub()
	defer hub.Close()
	eventSvc := events.New(store, hub, hook, log.With("component", "events"))
	defer eventSvc.Close()

	ctrl, err := pipeline.New(pipeline.Dependencies{
		Projects: store,
		Events:   eventSvc,
		Models:   newProvider(cfg, log),
		Images:   images,
		Runtime:  rt,
		Ports:    alloc,
		Prober:   prober,
		Metrics:  pipeline.NewMetrics(prometheus.DefaultRegisterer),
	}, pipeline.Config{
		PublicHost:        cfg.PublicHost,
		DefaultTemplate:   cfg.DefaultTemplate,
		BuildTimeout:      cfg.BuildTimeout,
		LLMTimeout:        cfg.LLMTimeout,
		ImageBuildTimeout: cfg.ImageBuildTimeout,
		RuntimeTimeout:    cfg.RuntimeTimeout,
		ReadinessTimeout:  cfg.ReadinessTimeout,
		StoreTimeout:      cfg.StoreTimeout,
	}, log.With("component", "pipeline"))
	if err != nil {
		log.Error("failed to configure pipeline", "error", err)
		os.Exit(1)
	}

	var lock orchestrator.BuildLock = orchestrator.NewMemoryLock()
	if redisClient != nil {
		redisLock, err := orchestrator.NewRedisLock(redisClient, cfg.LockTTL)
		if err != nil {
			log.Warn("redis build lock unavailable", "error", err)
		} else {
			lock = redisLock
		}
	}

	orch, err := orchestrator.New(orchestrator.Dependencies{
		Store:     store,
		Events:    eventSvc,
		Runner:    ctrl,
		Runtime:   rt,
		Ports:     alloc,
		Images:    images,
		Templates: templates,
		Lock:      lock,
	}, orchestrator.Config{
		DefaultTemplate: cfg.DefaultTemplate,
		UnitIdleTTL:     cfg.UnitIdleTTL,
		RuntimeTimeout:  cfg.RuntimeTimeout,
		StoreTimeout:    cfg.StoreTimeout,
	}, log.With("component", "orchestrator"))
	if err != nil {
		log.Error("failed to configure orchestrator", "error", err)
		os.Exit(1)
	}

	recovered, err := orch.Recover(ctx)
	if err != nil {
		log.Warn("startup recovery incomplete", "error", err)
	} else {
		log.Info("startup recovery finished",
			"ports_claimed", recovered.PortsClaimed,
			"interrupted", recovered.Interrupted,
			"units_removed", recovered.Reap.UnitsRemoved,
		)
	}

	if r := reaper.New(orch, cfg.ReapInterval, prometheus.DefaultRegisterer, log.With("component", "reaper")); r != nil {
		go r.Run(ctx)
	}

	var limiter httpx.RateLimiter
	if redisClient != nil {
		redisLimiter, err := httpx.NewRedisRateLimiter(redisClient, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router, err := httpx.NewRouter(httpx.Options{
		Logger:          log,
		Orchestrator:    orch,
		Events:          eventSvc,
		Hub:             hub,
		Limiter:         limiter,
		JWTSecret:       cfg.JWTSecret,
		CORSOrigins:     cfg.CORSOrigins,
		BuildRateLimit:  cfg.BuildRateLimit,
		BuildRateWindow: cfg.BuildRateWindow,
		HealthChecks: map[string]func(context.Context) error{
			"store":   store.Ping,
			"runtime": rt.Ping,
		},
	})
	if err != nil {
		log.Error("failed to build router", "error", err)
		os.Exit(1)
	}
	if !cfg.AuthEnabled {
		log.Warn("AUTH_JWT_SECRET not set, API is unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("kapsules server starting", "addr", cfg.Addr, "store", cfg.StoreDriver, "llm", cfg.LLMProvider)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.Error("orchestrator shutdown incomplete", "error", err)
		}
		log.Info("kapsules server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func openStore(ctx context.Context, cfg config.OrchestratorConfig, log *slog.Logger) (repository.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			return nil, fmt.Errorf("configure migrations: %w", err)
		}
		if err := runner.Ensure(ctx); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		repo := postgres.New(pool)
		if err := repo.Ping(ctx); err != nil {
			_ = repo.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		return repo, nil
	case "sqlite":
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		log.Warn("memory store selected, state is lost on restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func newProvider(cfg config.OrchestratorConfig, log *slog.Logger) llm.Provider {
	switch cfg.LLMProvider {
	case "openai":
		return llm.NewModel(llm.NewOpenAI(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel))
	case "heuristic":
		return llm.NewHeuristic()
	default:
		log.Warn("unknown llm provider, falling back to heuristic", "provider", cfg.LLMProvider)
		return llm.NewHeuristic()
	}
}
