package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/geda-valentim/ingestify-to-ai/internal/api"
	blobmemory "github.com/geda-valentim/ingestify-to-ai/internal/blob/memory"
	blobminio "github.com/geda-valentim/ingestify-to-ai/internal/blob/minio"
	"github.com/geda-valentim/ingestify-to-ai/internal/clock/system"
	"github.com/geda-valentim/ingestify-to-ai/internal/config"
	"github.com/geda-valentim/ingestify-to-ai/internal/convert"
	"github.com/geda-valentim/ingestify-to-ai/internal/engine"
	enginefactory "github.com/geda-valentim/ingestify-to-ai/internal/engine/factory"
	"github.com/geda-valentim/ingestify-to-ai/internal/id/uuid"
	"github.com/geda-valentim/ingestify-to-ai/internal/index"
	indexelastic "github.com/geda-valentim/ingestify-to-ai/internal/index/elastic"
	indexmemory "github.com/geda-valentim/ingestify-to-ai/internal/index/memory"
	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/logging"
	"github.com/geda-valentim/ingestify-to-ai/internal/pdf"
	"github.com/geda-valentim/ingestify-to-ai/internal/queue"
	queuememory "github.com/geda-valentim/ingestify-to-ai/internal/queue/memory"
	queuepubsub "github.com/geda-valentim/ingestify-to-ai/internal/queue/pubsub"
	"github.com/geda-valentim/ingestify-to-ai/internal/retry"
	"github.com/geda-valentim/ingestify-to-ai/internal/scheduler"
	"github.com/geda-valentim/ingestify-to-ai/internal/service"
	"github.com/geda-valentim/ingestify-to-ai/internal/source"
	storememory "github.com/geda-valentim/ingestify-to-ai/internal/store/memory"
	storepostgres "github.com/geda-valentim/ingestify-to-ai/internal/store/postgres"
	"github.com/geda-valentim/ingestify-to-ai/internal/worker"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingestify",
		Short: "Document ingestion platform: conversion pipeline and scheduled crawler engine.",
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	cmd.AddCommand(newServeCmd(), newWorkerCmd(), newSchedulerCmd())
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the pipeline workers only.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := buildApp(ctx, convert.Unconfigured{})
			if err != nil {
				return err
			}
			defer a.close()
			a.dispatcher.Run(ctx)
			return nil
		},
	}
}

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the crawler scheduler only.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := buildApp(ctx, convert.Unconfigured{})
			if err != nil {
				return err
			}
			defer a.close()
			return a.scheduler.Start(ctx)
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, workers, and scheduler in one process.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

// app bundles the wired components for one process.
type app struct {
	cfg        config.Config
	logger     *zap.Logger
	store      jobs.Store
	blobs      jobs.BlobStore
	writer     *index.Writer
	conversion queue.Queue
	crawler    queue.Queue
	dispatcher *worker.Dispatcher
	scheduler  *scheduler.Scheduler
	service    *service.Service
	closers    []func()
}

func buildApp(ctx context.Context, converter convert.Converter) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	clock := system.New()
	ids := uuid.New()

	if cfg.DB.DSN != "" {
		store, err := storepostgres.New(ctx, storepostgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
		if err != nil {
			return nil, err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	} else {
		logger.Warn("db.dsn not set, using in-memory job store")
		a.store = storememory.New(clock)
	}

	if cfg.Blob.AccessKey != "" {
		blobs, err := blobminio.New(ctx, blobminio.Config{
			Endpoint:  cfg.Blob.Endpoint,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			UseSSL:    cfg.Blob.UseSSL,
			Region:    cfg.Blob.Region,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.blobs = blobs
	} else {
		logger.Warn("blob.access_key not set, using in-memory blob store")
		a.blobs = blobmemory.New()
	}

	var sink index.Sink
	if len(cfg.Index.Addresses) > 0 && cfg.Index.Username != "" {
		sink, err = indexelastic.New(indexelastic.Config{
			Addresses: cfg.Index.Addresses,
			Username:  cfg.Index.Username,
			Password:  cfg.Index.Password,
		}, logger)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("index credentials not set, using in-memory progress sink")
		sink = indexmemory.New()
	}
	a.writer = index.NewWriter(index.WriterConfig{
		MaxBatchDocs: cfg.Index.FlushDocs,
		MaxBatchWait: time.Duration(cfg.Index.FlushSeconds) * time.Second,
		BufferDocs:   cfg.Index.BufferDocs,
		Logger:       logger,
	}, sink)

	if cfg.Queue.ProjectID != "" {
		conversion, err := queuepubsub.New(ctx, queuepubsub.Config{
			ProjectID:      cfg.Queue.ProjectID,
			TopicID:        cfg.Queue.ConversionTopic,
			SubscriptionID: cfg.Queue.SubscriptionBase + "-conversion",
		}, logger)
		if err != nil {
			return nil, err
		}
		crawlerQ, err := queuepubsub.New(ctx, queuepubsub.Config{
			ProjectID:      cfg.Queue.ProjectID,
			TopicID:        cfg.Queue.CrawlerTopic,
			SubscriptionID: cfg.Queue.SubscriptionBase + "-crawler",
		}, logger)
		if err != nil {
			return nil, err
		}
		a.conversion, a.crawler = conversion, crawlerQ
	} else {
		logger.Warn("queue.project_id not set, using in-memory queues")
		a.conversion = queuememory.New(cfg.Queue.MemoryDepth)
		a.crawler = queuememory.New(cfg.Queue.MemoryDepth)
	}
	a.closers = append(a.closers, func() { _ = a.conversion.Close() }, func() { _ = a.crawler.Close() })

	engineCfg := engine.Config{
		UserAgent:        cfg.Crawler.UserAgent,
		Timeout:          cfg.Crawler.DownloadTimeout(),
		RespectRobotsTxt: cfg.Crawler.RespectRobotsTxt,
		RateLimitPerSec:  cfg.Crawler.RateLimitPerSecond,
		HeadlessTimeout:  time.Duration(cfg.Crawler.HeadlessTimeoutSeconds) * time.Second,
		Retry: engine.RetryConfig{
			MaxAttempts: cfg.Crawler.MaxRetries,
			BaseDelay:   time.Duration(cfg.Crawler.RetryDelayBaseSeconds) * time.Second,
			MaxDelay:    30 * time.Second,
		},
	}

	retryEngine := retry.New(a.store, clock, a.writer, logger)
	pdftool := pdf.New()
	sources := source.Registry{
		jobs.SourceFile: source.Blob{Store: a.blobs, Bucket: jobs.BucketUploads},
		jobs.SourceURL:  source.HTTP{Timeout: cfg.Crawler.DownloadTimeout()},
	}
	workerCfg := worker.Config{
		MaxPagesPerDocument:    cfg.Pipeline.MaxPagesPerDocument,
		InlineMarkdownMaxBytes: cfg.Pipeline.InlineMarkdownMaxBytes,
		MergeGrace:             cfg.Pipeline.MergeGrace(),
		MergeRetryDelay:        time.Duration(cfg.Pipeline.MergeRetryDelaySeconds) * time.Second,
		SoftTimeout:            cfg.Pipeline.SoftTimeout(),
		HardTimeout:            cfg.Pipeline.HardTimeout(),
		MaxConcurrentDownloads: cfg.Crawler.MaxConcurrentDownloads,
		MaxConcurrentAssets:    cfg.Crawler.MaxConcurrentAssets,
		ResultTTL:              time.Duration(cfg.Pipeline.ResultTTLSeconds) * time.Second,
	}

	var workers []*worker.Worker
	for range max(1, cfg.Queue.ConversionWorkers) {
		workers = append(workers, worker.New(worker.Deps{
			Store: a.store, Blobs: a.blobs,
			Queue: a.conversion, ConversionQueue: a.conversion,
			Splitter: pdftool, Merger: pdftool,
			Converter: converter, Sources: sources,
			Engines: enginefactory.New(engineCfg), Retry: retryEngine,
			Emitter: a.writer, Clock: clock, IDs: ids, Logger: logger,
		}, workerCfg))
	}
	for range max(1, cfg.Queue.CrawlerWorkers) {
		workers = append(workers, worker.New(worker.Deps{
			Store: a.store, Blobs: a.blobs,
			Queue: a.crawler, ConversionQueue: a.conversion,
			Splitter: pdftool, Merger: pdftool,
			Converter: converter, Sources: sources,
			Engines: enginefactory.New(engineCfg), Retry: retryEngine,
			Emitter: a.writer, Clock: clock, IDs: ids, Logger: logger,
		}, workerCfg))
	}
	a.dispatcher = worker.NewDispatcher(a.conversion, a.crawler, workers)

	a.scheduler = scheduler.New(a.store, a.crawler, clock,
		time.Duration(cfg.Scheduler.MaxTriggerTTLMinutes)*time.Minute, logger)
	a.service = service.New(a.store, a.blobs, a.dispatcher, a.scheduler, clock, ids, logger)
	return a, nil
}

func (a *app) close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.writer.Close(shutdownCtx); err != nil {
		a.logger.Warn("progress writer close failed", zap.Error(err))
	}
	for _, closeFn := range a.closers {
		closeFn()
	}
	_ = a.logger.Sync()
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The conversion library plugs in at the edge; the pipeline only sees the
	// Convert contract.
	a, err := buildApp(ctx, convert.Unconfigured{})
	if err != nil {
		return err
	}
	defer a.close()

	go a.dispatcher.Run(ctx)
	go func() {
		if err := a.scheduler.Start(ctx); err != nil {
			a.logger.Error("scheduler start failed", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           api.NewServer(a.service, a.logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	a.logger.Info("serving", zap.Int("port", a.cfg.Server.Port))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
