package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DiegoStefanini/shipit-sub000/internal/app/migrate"
	"github.com/DiegoStefanini/shipit-sub000/internal/config"
	"github.com/DiegoStefanini/shipit-sub000/internal/docker"
	"github.com/DiegoStefanini/shipit-sub000/internal/git"
	httpx "github.com/DiegoStefanini/shipit-sub000/internal/http"
	"github.com/DiegoStefanini/shipit-sub000/internal/logger"
	"github.com/DiegoStefanini/shipit-sub000/internal/repository/postgres"
	"github.com/DiegoStefanini/shipit-sub000/internal/service/deploy"
	"github.com/DiegoStefanini/shipit-sub000/internal/service/logs"
	"github.com/DiegoStefanini/shipit-sub000/internal/service/project"
	"github.com/DiegoStefanini/shipit-sub000/internal/service/webhook"
	"github.com/DiegoStefanini/shipit-sub000/internal/workspace"
	"github.com/DiegoStefanini/shipit-sub000/internal/ws"
)

func main() {
	cfg := config.LoadDaemonConfig()
	log := logger.New("shipitd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	engine, err := docker.New(cfg.DockerHost, docker.Config{
		ImagePrefix:  cfg.ImagePrefix,
		Network:      cfg.Network,
		Domain:       cfg.Domain,
		MemoryMB:     int64(cfg.ContainerMemoryMB),
		BuildTimeout: cfg.BuildTimeout,
	})
	if err != nil {
		log.Error("failed to create container engine client", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	if err := engine.Ping(ctx); err != nil {
		log.Error("container engine unreachable", "host", cfg.DockerHost, "error", err)
		os.Exit(1)
	}
	if err := engine.EnsureNetwork(ctx); err != nil {
		log.Error("failed to prepare network", "network", cfg.Network, "error", err)
		os.Exit(1)
	}

	workdir, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("failed to prepare workdir", "workdir", cfg.Workdir, "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	logSink := logs.New(repo, ws.NewHub(), log)
	deploySvc := deploy.New(deploy.Dependencies{
		Projects:  repo,
		Deploys:   repo,
		Workspace: workdir,
		Fetcher:   git.New(cfg.GitTimeout, cfg.GitBaseURL),
		Builder:   engine,
		Runtime:   engine,
		Pruner:    engine,
		Logs:      logSink,
	}, log)
	if n, err := deploySvc.Recover(ctx); err != nil {
		log.Error("failed to recover interrupted deploys", "error", err)
		os.Exit(1)
	} else if n > 0 {
		log.Warn("marked interrupted deploys as failed", "count", n)
	}

	projectSvc := project.New(repo, repo, engine, log)
	webhookSvc := webhook.New(repo, deploySvc, cfg.WebhookSecret, log)
	if cfg.WebhookSecret == "" {
		log.Warn("GIT_WEBHOOK_SECRET is empty; webhook deliveries will be rejected")
	}
	if cfg.APIToken == "" {
		log.Warn("SHIPIT_API_TOKEN is empty; API requests will be rejected")
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, projectSvc, deploySvc, logSink, webhookSvc, limiter, cfg.APIToken, pool.Ping,
		httpx.WithTrustedProxy(cfg.TrustProxy))
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return deploySvc.Run(gctx)
	})
	g.Go(func() error {
		log.Info("shipitd listening", "addr", cfg.Addr, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("shipitd stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("shipitd stopped")
}
