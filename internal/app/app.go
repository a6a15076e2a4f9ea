// Package app wires configuration into a running extraction pipeline.
package app

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/shpitdev/mail-attachment-pipeline/internal/attachment"
	"github.com/shpitdev/mail-attachment-pipeline/internal/checkpoint"
	"github.com/shpitdev/mail-attachment-pipeline/internal/config"
	"github.com/shpitdev/mail-attachment-pipeline/internal/extract"
	"github.com/shpitdev/mail-attachment-pipeline/internal/extract/gemini"
	"github.com/shpitdev/mail-attachment-pipeline/internal/ingest"
	"github.com/shpitdev/mail-attachment-pipeline/internal/mailparse"
	"github.com/shpitdev/mail-attachment-pipeline/internal/publish"
	"github.com/shpitdev/mail-attachment-pipeline/internal/server"
	"github.com/shpitdev/mail-attachment-pipeline/internal/workflow"
)

// App holds the long-lived components built from a Config.
type App struct {
	Logger   *zap.Logger
	Store    checkpoint.Store
	Engine   *workflow.Engine
	Ingestor *ingest.Ingestor

	maxMessageBytes int64
}

// Build constructs every component. The caller owns Close.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	parser, err := mailparse.New(cfg.MIMEParser)
	if err != nil {
		return nil, err
	}

	gen, err := gemini.New(ctx, gemini.Config{
		APIKey:      cfg.Gemini.APIKey,
		Model:       cfg.Gemini.Model,
		BaseURL:     cfg.Gemini.BaseURL,
		AccountID:   cfg.Gemini.AccountID,
		GatewayName: cfg.Gemini.GatewayName,
	})
	if err != nil {
		return nil, err
	}

	pub, err := publish.NewClient(publish.Config{
		PostURL:       cfg.Downstream.PostURL,
		ClientID:      cfg.Downstream.ClientID,
		ClientSecret:  cfg.Downstream.ClientSecret,
		DefaultCAPath: cfg.Downstream.DefaultCAPath,
		Timeout:       cfg.Pipeline.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.Open(ctx, checkpoint.Config{
		Backend:            cfg.Checkpoint.Backend,
		RedisURL:           cfg.Checkpoint.RedisURL,
		SQLitePath:         cfg.Checkpoint.SQLitePath,
		DatastoreProjectID: cfg.Checkpoint.DatastoreProjectID,
	})
	if err != nil {
		return nil, err
	}

	engine := workflow.New(store, extract.NewStage(gen, logger), pub, workflow.Options{
		Workers:                 cfg.Pipeline.Workers,
		MaxRetries:              cfg.Pipeline.MaxRetries,
		RetryDelay:              cfg.Pipeline.RetryDelay,
		RequestTimeout:          cfg.Pipeline.RequestTimeout,
		RateLimitRPS:            cfg.Pipeline.RateLimitRPS,
		SkipPostOnUploadFailure: cfg.Pipeline.SkipPostOnUploadFailure,
	}, logger)

	logger.Info("pipeline configured",
		zap.String("mime_parser", cfg.MIMEParser),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.String("model", cfg.Gemini.Model),
		zap.Int("workers", cfg.Pipeline.Workers),
		zap.Int("max_retries", cfg.Pipeline.MaxRetries),
	)

	return &App{
		Logger:   logger,
		Store:    store,
		Engine:   engine,
		Ingestor: ingest.New(parser, attachment.NewExtractor(pub, logger), engine, logger),

		maxMessageBytes: cfg.MaxMessageBytes,
	}, nil
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	return server.New(a.Ingestor, server.Options{MaxBodyBytes: a.maxMessageBytes}, a.Logger)
}

// Close stops executing runs, leaving them resumable, and releases the store.
func (a *App) Close() error {
	a.Engine.Close()
	_ = a.Logger.Sync()
	return a.Store.Close()
}
