// Package server assembles the relay daemon: local store, MQTT ingestion,
// scheduled relay and retention jobs, and the HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyrelay/pkg/config"
	"github.com/nicktill/tinyrelay/pkg/export"
	"github.com/nicktill/tinyrelay/pkg/ingest"
	"github.com/nicktill/tinyrelay/pkg/observability"
	"github.com/nicktill/tinyrelay/pkg/query"
	"github.com/nicktill/tinyrelay/pkg/relay"
	"github.com/nicktill/tinyrelay/pkg/retention"
	"github.com/nicktill/tinyrelay/pkg/scheduler"
	"github.com/nicktill/tinyrelay/pkg/server/monitor"
	"github.com/nicktill/tinyrelay/pkg/storage"
	"github.com/nicktill/tinyrelay/pkg/storage/badger"
	"github.com/nicktill/tinyrelay/pkg/storage/memory"
	"github.com/nicktill/tinyrelay/pkg/storage/sqlite"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

// Job names, also used as metric labels
const (
	JobRelay     = "relay"
	JobRetention = "retention"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 60 * time.Second
)

// OpenStore opens the configured backend below cfg.DataDir.
// A persisted schema that differs from reg fails with *storage.SchemaMismatchError.
func OpenStore(cfg config.StoreConfig, reg *telemetry.Registry, logger logrus.FieldLogger) (storage.Store, error) {
	logger = logger.WithFields(logrus.Fields{"component": "store", "backend": cfg.Backend})

	if cfg.Backend == "memory" {
		logger.Warn("using in-memory store, records are lost on restart")
		return memory.New(reg), nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	switch cfg.Backend {
	case "badger":
		path := filepath.Join(cfg.DataDir, "badger")
		store, err := badger.New(badger.Config{
			Path:        path,
			MaxMemoryMB: cfg.MaxMemoryMB,
			Logger:      logger.WithField("component", "badger"),
		}, reg)
		if err != nil {
			return nil, err
		}
		logger.WithField("path", path).Info("badger store opened")
		return store, nil

	case "sqlite":
		path := filepath.Join(cfg.DataDir, config.DefaultSQLiteFile)
		store, err := sqlite.New(sqlite.Config{
			Path:   path,
			Table:  cfg.SQLiteTable,
			Logger: logger,
		}, reg)
		if err != nil {
			return nil, err
		}
		logger.WithField("path", path).Info("sqlite store opened")
		return store, nil
	}

	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// Deps are the collaborators built by main before the server
type Deps struct {
	Registry *telemetry.Registry
	Store    storage.Store
	Metrics  *observability.Metrics
	Logger   logrus.FieldLogger

	// Writer overrides the sink. Nil builds a Timestream client from the
	// sink config, or a discarding writer when uploads are disabled.
	Writer relay.Writer
}

// Server owns every long-running component of the daemon
type Server struct {
	cfg     *config.Config
	store   storage.Store
	metrics *observability.Metrics
	logger  logrus.FieldLogger

	hub            *ingest.RecordHub
	ingest         *ingest.Handler
	subscriber     *ingest.Subscriber
	relayer        *relay.Relayer
	janitor        *retention.Janitor
	scheduler      *scheduler.Scheduler
	storageMonitor *monitor.StorageMonitor
	router         *mux.Router
	http           *http.Server
}

// New wires all components. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Server, error) {
	logger := deps.Logger
	s := &Server{
		cfg:     cfg,
		store:   deps.Store,
		metrics: deps.Metrics,
		logger:  logger.WithField("component", "server"),
	}

	s.hub = ingest.NewRecordHub(deps.Metrics, logger)
	s.ingest = ingest.NewHandler(deps.Store, deps.Registry, deps.Metrics, logger, ingest.HandlerOptions{
		AllowedTopics: cfg.MQTT.AllowedTopics,
		Hub:           s.hub,
	})

	subCfg := ingest.SubscriberConfigFrom(cfg.MQTT)
	if err := subCfg.Validate(); err != nil {
		return nil, err
	}
	s.subscriber = ingest.NewSubscriber(subCfg, s.ingest.Deliver, logger)

	writer, err := buildWriter(ctx, cfg.Sink, deps.Writer, logger)
	if err != nil {
		return nil, err
	}
	uploader := relay.NewUploader(writer, relay.Target{
		Database: cfg.Sink.Database,
		Table:    cfg.Sink.Table,
		Hostname: cfg.Sink.Hostname,
	}, cfg.Sink.MaxCallsPerSec, deps.Metrics, logger)
	s.relayer = relay.NewRelayer(deps.Store, relay.NewFormatter(deps.Registry), uploader, relay.RelayerConfig{
		Window:    cfg.RelayWindow(),
		BatchSize: cfg.Relay.BatchSize,
	}, deps.Metrics, logger)

	s.janitor = retention.NewJanitor(deps.Store, cfg.Retention.Horizon, cfg.Retention.GCDiscardRatio, deps.Metrics, logger)

	s.scheduler = scheduler.New(deps.Metrics, logger)
	if _, err := s.scheduler.Add(scheduler.Job{
		Name:     JobRelay,
		Interval: cfg.Relay.Interval,
		Timeout:  config.RelayRunTimeout,
		Run:      s.relayer.Run,
	}); err != nil {
		return nil, err
	}
	if _, err := s.scheduler.Add(scheduler.Job{
		Name:     JobRetention,
		Interval: cfg.Retention.Interval,
		Run:      s.janitor.Run,
	}); err != nil {
		return nil, err
	}

	if cfg.Store.Backend != "memory" {
		s.storageMonitor = monitor.NewStorageMonitor(cfg.Store.DataDir, cfg.Store.MaxStorageGB*1024*1024*1024)
	}

	s.router = mux.NewRouter()
	SetupRoutes(s.router, Routes{
		Query:          query.NewHandler(deps.Store, deps.Registry, logger),
		Export:         export.NewHandler(deps.Store, deps.Registry, logger),
		Hub:            s.hub,
		Ingest:         s.ingest,
		Metrics:        deps.Metrics,
		Scheduler:      s.scheduler,
		StorageMonitor: s.storageMonitor,
		Listen:         cfg.Listen,
	})

	s.http = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}
	return s, nil
}

func buildWriter(ctx context.Context, cfg config.SinkConfig, override relay.Writer, logger logrus.FieldLogger) (relay.Writer, error) {
	switch {
	case override != nil:
		return override, nil
	case cfg.DisableUploads:
		logger.Warn("uploads disabled, relay runs will discard records")
		return relay.DiscardWriter{Logger: logger.WithField("component", "sink")}, nil
	}

	client, err := relay.NewTimestreamClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"region":   cfg.Region,
		"database": cfg.Database,
		"table":    cfg.Table,
	}).Info("timestream sink configured")
	return client, nil
}

// Handler returns the HTTP router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Scheduler exposes the job scheduler, mainly for tests and manual triggers
func (s *Server) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. Shutdown order: HTTP server, scheduled jobs (in-flight runs
// are cancelled), then the MQTT subscription. The store stays open; the
// caller closes it.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return s.subscriber.Run(gctx)
	})
	g.Go(func() error {
		RunStoreStats(gctx, s.store, s.storageMonitor, s.metrics, s.logger)
		return nil
	})
	g.Go(func() error {
		s.logger.WithField("addr", s.cfg.Listen).Info("http server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})

	s.scheduler.Start()
	if _, err := s.scheduler.Trigger(JobRelay); err != nil {
		s.logger.WithError(err).Warn("initial relay not started")
	}

	<-gctx.Done()
	s.logger.Info("shutting down")

	var result *multierror.Error
	stopCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := s.scheduler.Stop(stopCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
