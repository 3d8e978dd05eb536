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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devflowhub/controlplane/internal/app/migrate"
	httpx "github.com/devflowhub/controlplane/internal/http"
	"github.com/devflowhub/controlplane/internal/repository/postgres"
	dockerrt "github.com/devflowhub/controlplane/internal/runtime/docker"
	"github.com/devflowhub/controlplane/internal/service/deploy"
	"github.com/devflowhub/controlplane/internal/service/promotion"
	"github.com/devflowhub/controlplane/internal/service/quota"
	"github.com/devflowhub/controlplane/internal/service/reconcile"
	runsvc "github.com/devflowhub/controlplane/internal/service/run"
	"github.com/devflowhub/controlplane/internal/service/snapshot"
	"github.com/devflowhub/controlplane/internal/service/suggest"
	"github.com/devflowhub/controlplane/internal/storage"
	"github.com/devflowhub/controlplane/internal/ws"
	"github.com/devflowhub/controlplane/pkg/config"
	"github.com/devflowhub/controlplane/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("controlplane", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()

	blobs, err := storage.NewS3(ctx, storage.S3Config{
		Bucket:          cfg.SnapshotBucket,
		Region:          cfg.SnapshotRegion,
		Endpoint:        cfg.SnapshotEndpoint,
		AccessKeyID:     cfg.SnapshotAccessKey,
		SecretAccessKey: cfg.SnapshotSecretKey,
	})
	if err != nil {
		log.Error("failed to configure snapshot storage", "error", err)
		os.Exit(1)
	}

	adapter, err := dockerrt.New(cfg.DockerHost, cfg.SandboxImage, cfg.SandboxDomainSuffix, log)
	if err != nil {
		log.Error("failed to connect to docker", "error", err)
		os.Exit(1)
	}
	defer adapter.Close()

	var advisor deploy.Advisor
	if strings.TrimSpace(cfg.SuggestURL) != "" {
		client, err := suggest.New(cfg.SuggestURL, cfg.SuggestTimeout)
		if err != nil {
			log.Warn("suggestion engine unavailable", "error", err)
		} else {
			advisor = client
		}
	}

	quotaSvc := quota.New(repo, repo, log)
	snapshotSvc := snapshot.New(repo, repo, blobs, log)
	deploySvc := deploy.New(repo, repo, quotaSvc, deploy.NewProviders(cfg.ProviderStepDelay), advisor, deploy.NewMemoryLeaseStore(cfg.LeaseTTL), hub, log)
	defer deploySvc.Close()
	promotionSvc := promotion.New(repo, cfg.ProviderStepDelay, hub, log)
	defer promotionSvc.Close()
	runSvc := runsvc.New(repo, repo, adapter, quotaSvc, snapshotSvc, hub, log, runsvc.Config{
		DefaultTTLMinutes: cfg.RunDefaultTTLMinutes,
		MaxTTLMinutes:     cfg.RunMaxTTLMinutes,
		SandboxImage:      cfg.SandboxImage,
	})

	reconciler := reconcile.New(repo, repo, deploySvc, runSvc, log, cfg.ReconcileInterval, cfg.DeployTimeout)
	if reconciler != nil {
		go reconciler.Run(ctx)
	}

	var limiter httpx.RateLimiter
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}
	if limiter == nil {
		limiter = httpx.NewMemoryRateLimiter()
	}

	router := httpx.NewRouter(log, deploySvc, runSvc, promotionSvc, snapshotSvc, quotaSvc, hub, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("control plane starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("control plane stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
