// Command relayd buffers MQTT sensor telemetry on local disk and relays it to
// AWS Timestream on a schedule.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/nicktill/tinyrelay/pkg/config"
	"github.com/nicktill/tinyrelay/pkg/observability"
	"github.com/nicktill/tinyrelay/pkg/server"
	"github.com/nicktill/tinyrelay/pkg/storage"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("relayd exited with error")
	}
	logger.Info("relayd exited cleanly")
}

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	// httpx logs through the standard logger
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(level)
	logrus.SetFormatter(logger.Formatter)
	return logger, nil
}

func run(cfg *config.Config, logger *logrus.Logger) (err error) {
	metricIDs := cfg.Metrics
	var reg *telemetry.Registry
	if len(metricIDs) == 0 {
		reg, err = telemetry.NewRegistry(telemetry.DefaultMetrics)
	} else {
		reg, err = telemetry.RegistryFromStrings(metricIDs)
	}
	if err != nil {
		return fmt.Errorf("invalid metric list: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"metrics":     reg.Len(),
		"fingerprint": fmt.Sprintf("%x", reg.Fingerprint()),
		"backend":     cfg.Store.Backend,
		"broker":      fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port),
		"topic":       cfg.MQTT.Topic,
		"interval":    cfg.Relay.Interval,
		"window":      cfg.RelayWindow(),
		"horizon":     cfg.Retention.Horizon,
	}).Info("starting relayd")

	store, err := server.OpenStore(cfg.Store, reg, logger)
	if err != nil {
		var mismatch *storage.SchemaMismatchError
		if errors.As(err, &mismatch) {
			logger.WithFields(logrus.Fields{
				"expected": mismatch.Expected,
				"found":    mismatch.Found,
			}).Error("local store was created with a different metric list; move it aside or restore the old list")
		}
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("failed to close store: %w", cerr))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, server.Deps{
		Registry: reg,
		Store:    store,
		Metrics:  observability.New(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
