package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flakewatch/flakewatch/pkg/config"
	"github.com/flakewatch/flakewatch/pkg/ingest"
	"github.com/flakewatch/flakewatch/pkg/ingest/storage"
	"github.com/flakewatch/flakewatch/pkg/ingest/store"
	"github.com/flakewatch/flakewatch/pkg/metrics"
	"github.com/flakewatch/flakewatch/pkg/webhook"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	uploader   storage.Uploader
	ingester   *ingest.Ingester
	httpServer *http.Server
	startedAt  time.Time
	wg         sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log: log.WithField("component", "api"),
		cfg: cfg,
	}
}

// Start initializes the store, seeds lookups, wires the ingestion
// pipeline, and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	s.store = store.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if err := s.store.SeedLookups(
		ctx, s.cfg.Lookups.Environments, s.cfg.Lookups.Triggers,
	); err != nil {
		return fmt.Errorf("seeding lookups: %w", err)
	}

	uploader, err := s.buildUploader(ctx)
	if err != nil {
		return err
	}

	s.uploader = uploader

	ingester, err := s.buildIngester()
	if err != nil {
		return err
	}

	s.ingester = ingester

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.API.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.API.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.API.Server.Listen, err)
	}

	s.startedAt = time.Now().UTC()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.API.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and closes the store.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}

// buildUploader selects the configured blob storage backend.
func (s *server) buildUploader(ctx context.Context) (storage.Uploader, error) {
	switch {
	case s.cfg.Storage.S3 != nil && s.cfg.Storage.S3.Enabled:
		uploader := storage.NewS3Uploader(s.log, s.cfg.Storage.S3)

		if err := uploader.Preflight(ctx); err != nil {
			return nil, fmt.Errorf("s3 storage preflight: %w", err)
		}

		s.log.Info("S3 blob storage enabled")

		return uploader, nil
	case s.cfg.Storage.Local != nil && s.cfg.Storage.Local.Enabled:
		uploader := storage.NewLocalUploader(s.cfg.Storage.Local)

		if err := uploader.Preflight(ctx); err != nil {
			return nil, fmt.Errorf("local storage preflight: %w", err)
		}

		s.log.Info("Local blob storage enabled")

		return uploader, nil
	default:
		return nil, fmt.Errorf("no storage backend configured")
	}
}

// buildIngester assembles the ingestion pipeline with its post-ingest
// collaborators.
func (s *server) buildIngester() (*ingest.Ingester, error) {
	maxStepsBytes, err := s.cfg.Ingest.MaxInlineStepsBytes()
	if err != nil {
		return nil, err
	}

	processor := ingest.NewAttachmentProcessor(s.log, s.uploader, ingest.ProcessorOptions{
		Concurrency:         s.cfg.Ingest.UploadConcurrency,
		MaxInlineStepsBytes: maxStepsBytes,
		MaxInlineStepsCount: s.cfg.Ingest.MaxInlineStepsCount,
	})

	aggregator := metrics.NewAggregator(s.log, s.store)

	var notifier ingest.FailureNotifier

	if s.cfg.Webhooks.Enabled {
		notifier, err = webhook.NewNotifier(s.log, &s.cfg.Webhooks)
		if err != nil {
			return nil, fmt.Errorf("building webhook notifier: %w", err)
		}

		s.log.WithField("endpoints", len(s.cfg.Webhooks.Endpoints)).
			Info("Webhook notifications enabled")
	}

	return ingest.NewIngester(
		s.log, s.store, processor, aggregator, notifier,
		s.cfg.API.PublicURL,
	), nil
}
