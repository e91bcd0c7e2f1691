package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/statement-recon/internal/extraction"
	jobmetrics "github.com/odyssey-erp/statement-recon/internal/jobs"
	"github.com/odyssey-erp/statement-recon/internal/ledger"
	"github.com/odyssey-erp/statement-recon/internal/matching"
	"github.com/odyssey-erp/statement-recon/internal/platform/blob"
	"github.com/odyssey-erp/statement-recon/internal/statement"
)

// PipelineDeps are the shared runtime resources both binaries open.
type PipelineDeps struct {
	Config  *Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Chain   statement.Chainer
	Metrics *jobmetrics.Metrics
	// HTTPClient fetches remote statement files. Nil uses the fetcher default.
	HTTPClient *http.Client
	// WorkerID names this process in statement leases.
	WorkerID string
}

// Pipeline is the assembled statement domain.
type Pipeline struct {
	Blobs       blob.Bucket
	Queue       *statement.QueueManager
	Processor   *statement.Processor
	Confirmer   *statement.Confirmer
	Corrections *statement.CorrectionLog
	Service     *statement.Service
	Handler     *statement.Handler
	Job         *statement.Job
}

// BuildPipeline wires repositories, the ledger cache, extraction and matching.
func BuildPipeline(ctx context.Context, deps PipelineDeps) (*Pipeline, error) {
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	blobs, err := OpenBucket(ctx, cfg)
	if err != nil {
		return nil, err
	}
	vendors, err := matching.LoadVendorMatcher(cfg.VendorAliasesFile)
	if err != nil {
		return nil, err
	}

	ledgerCache := ledger.NewCache(deps.Redis, cfg.LedgerCacheTTL)
	reader := ledger.NewCachedReader(ledger.NewRepository(deps.Pool), ledgerCache)
	engine := matching.NewEngine(reader, vendors, cfg.MatchWindowDays)

	// A nil *AnthropicVision must not reach the registry as a non-nil interface.
	var vision extraction.Vision
	if cfg.VisionEnabled() {
		if v := extraction.NewAnthropicVision(cfg.AnthropicAPIKey, cfg.AnthropicModel, logger); v != nil {
			vision = v
		}
	}
	if vision == nil {
		logger.Info("vision extraction disabled; image statements will yield no items")
	}
	registry := extraction.NewRegistry(vision)

	repo := statement.NewRepository(deps.Pool)
	queue := statement.NewQueueManager(repo, deps.Chain, statement.QueuePolicy{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		LeaseTTL:    cfg.LeaseTTL,
	}, logger)
	processor := statement.NewProcessor(statement.ProcessorConfig{
		Queue:     queue,
		Fetcher:   extraction.NewFetcher(deps.HTTPClient, blobs),
		Extractor: registry,
		Engine:    engine,
		Metrics:   deps.Metrics,
		Logger:    logger,
	})
	corrections := statement.NewCorrectionLog(repo, logger)
	confirmer := statement.NewConfirmer(statement.ConfirmerConfig{
		Repo:        repo,
		Ledger:      reader,
		Queue:       queue,
		Cache:       ledgerCache,
		Corrections: corrections,
		Logger:      logger,
	})
	service := statement.NewService(repo, blobs, engine)

	return &Pipeline{
		Blobs:       blobs,
		Queue:       queue,
		Processor:   processor,
		Confirmer:   confirmer,
		Corrections: corrections,
		Service:     service,
		Handler: statement.NewHandler(statement.HandlerConfig{
			Service:       service,
			Queue:         queue,
			Processor:     processor,
			Confirmer:     confirmer,
			Corrections:   corrections,
			Logger:        logger,
			PublicBaseURL: cfg.PublicBaseURL,
		}),
		Job: statement.NewJob(statement.JobConfig{
			Processor: processor,
			Queue:     queue,
			Metrics:   deps.Metrics,
			Logger:    logger,
			WorkerID:  deps.WorkerID,
		}),
	}, nil
}

// OpenBucket builds the statement file store BLOB_BACKEND selects.
func OpenBucket(ctx context.Context, cfg *Config) (blob.Bucket, error) {
	switch cfg.BlobBackend {
	case "", "local":
		return blob.NewLocal(cfg.BlobDir)
	case "s3":
		return blob.NewS3(ctx, blob.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
}
