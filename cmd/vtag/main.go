// Copyright 2025 James Ross

// Command vtag is the single entrypoint for every role in the
// pipeline, grounded on cmd/job-queue-system/main.go's flag/signal/role
// switch shape: one binary, started once per process with a --role
// flag selecting what it does.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vtag/pipeline/internal/config"
	"github.com/vtag/pipeline/internal/downloader"
	"github.com/vtag/pipeline/internal/httpapi"
	"github.com/vtag/pipeline/internal/indexclient"
	"github.com/vtag/pipeline/internal/modelprovider"
	"github.com/vtag/pipeline/internal/obs"
	"github.com/vtag/pipeline/internal/producer"
	"github.com/vtag/pipeline/internal/promptstore"
	"github.com/vtag/pipeline/internal/queue"
	"github.com/vtag/pipeline/internal/ratelimiter"
	"github.com/vtag/pipeline/internal/reaper"
	"github.com/vtag/pipeline/internal/redisclient"
	"github.com/vtag/pipeline/internal/retry"
	"github.com/vtag/pipeline/internal/taskstore"
	"github.com/vtag/pipeline/internal/worker"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: producer|http|worker|reaper|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	store, err := taskstore.Open(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns,
		cfg.Postgres.ConnMaxLifetime, policyFor(cfg.Retry.TaskStore))
	if err != nil {
		logger.Fatal("failed to open task store", obs.Err(err))
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate task store", obs.Err(err))
	}

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	obs.StartQueueLengthUpdater(ctx, cfg, rdb, logger)

	q := queue.New(rdb, policyFor(cfg.Retry.Queue))

	switch role {
	case "producer":
		prod := producer.New(producer.NewRouter(cfg), store, q, logger)
		srv := httpapi.NewServer(cfg, prod, store, newDownloader(cfg), logger)
		runHTTPIngress(ctx, srv, logger)
	case "http":
		prod := producer.New(producer.NewRouter(cfg), store, q, logger)
		srv := httpapi.NewServer(cfg, prod, store, newDownloader(cfg), logger)
		runHTTPIngress(ctx, srv, logger)
	case "worker":
		runWorkers(ctx, cfg, q, store, logger)
	case "reaper":
		rep := reaper.New(cfg, q, store, logger)
		rep.Run(ctx)
	case "all":
		prod := producer.New(producer.NewRouter(cfg), store, q, logger)
		srv := httpapi.NewServer(cfg, prod, store, newDownloader(cfg), logger)
		rep := reaper.New(cfg, q, store, logger)
		go rep.Run(ctx)
		go runWorkers(ctx, cfg, q, store, logger)
		runHTTPIngress(ctx, srv, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func policyFor(s config.RetrySettings) retry.Policy {
	return retry.Policy{
		MaxAttempts: s.MaxAttempts,
		BaseDelay:   s.Backoff.Base,
		MaxDelay:    s.Backoff.Max,
		Jitter:      s.Jitter,
	}
}

func newDownloader(cfg *config.Config) *downloader.Downloader {
	return downloader.New(cfg.Worker.DownloadRoot, cfg.Downloader.MaxSizeMB,
		cfg.Downloader.AllowedFormats, cfg.Downloader.RequestTimeout)
}

func runHTTPIngress(ctx context.Context, srv *httpapi.Server, logger *zap.Logger) {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http ingress shutdown error", obs.Err(err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Fatal("http ingress error", obs.Err(err))
		}
	}
}

// runWorkers starts one dequeue loop per routing destination, sharing
// a single model provider client (and its rate limiter) across every
// platform cohort.
func runWorkers(ctx context.Context, cfg *config.Config, q *queue.Client, store *taskstore.Store, logger *zap.Logger) {
	prompts, err := promptstore.New(cfg.Worker.Dimensions)
	if err != nil {
		logger.Fatal("failed to load prompt templates", obs.Err(err))
	}

	model := modelprovider.New(cfg.ModelProvider.BaseURL, cfg.ModelProvider.APIKey,
		cfg.ModelProvider.RequestTimeout, cfg.ModelProvider.UploadReadyWait,
		cfg.ModelProvider.UploadPollInterval, policyFor(cfg.Retry.ModelProvider))

	if cfg.RateLimiter.Enabled {
		limiter := ratelimiter.New(redisclient.New(cfg), cfg.RateLimiter.KeyPrefix,
			cfg.RateLimiter.MaxRequestsMin, cfg.RateLimiter.MaxTokensMin,
			cfg.RateLimiter.PollInterval, cfg.RateLimiter.Enabled)
		if err := limiter.Init(ctx); err != nil {
			logger.Fatal("failed to init rate limiter", obs.Err(err))
		}
		model.SetLimiter(limiter)
	}

	index := indexclient.New(cfg.Worker.Index.URL, cfg.Worker.Index.Enabled, cfg.Worker.Index.Timeout)
	dl := newDownloader(cfg)

	dests := map[string]struct{}{}
	for _, dest := range cfg.Worker.RoutingTable {
		dests[dest] = struct{}{}
	}

	done := make(chan struct{}, len(dests))
	for dest := range dests {
		dest := dest
		go func() {
			w := worker.New(cfg, dest, q, store, dl, model, prompts, index, logger)
			if err := w.Run(ctx); err != nil {
				logger.Error("worker loop exited with error", obs.String("dest", dest), obs.Err(err))
			}
			done <- struct{}{}
		}()
	}
	for range dests {
		<-done
	}
}
