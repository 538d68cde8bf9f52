package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyrelay/pkg/observability"
	"github.com/nicktill/tinyrelay/pkg/storage"
)

// Relayer re-sends the most recent window of local records on every run.
//
// Nothing is marked as relayed: overlapping windows resend records and the
// sink absorbs duplicates (same time and dimensions). Delivery is therefore
// at-least-once for every record that lives longer than one interval.
type Relayer struct {
	store     storage.Store
	formatter *Formatter
	uploader  *Uploader
	window    time.Duration
	batchSize int
	now       func() time.Time
	metrics   *observability.Metrics
	logger    logrus.FieldLogger
}

// RelayerConfig holds the window and chunk sizing of a Relayer
type RelayerConfig struct {
	Window    time.Duration
	BatchSize int
}

// NewRelayer wires a relay job
func NewRelayer(store storage.Store, formatter *Formatter, uploader *Uploader, cfg RelayerConfig, metrics *observability.Metrics, logger logrus.FieldLogger) *Relayer {
	return &Relayer{
		store:     store,
		formatter: formatter,
		uploader:  uploader,
		window:    cfg.Window,
		batchSize: cfg.BatchSize,
		now:       time.Now,
		metrics:   metrics,
		logger:    logger.WithField("component", "relay"),
	}
}

// Run selects [now-window, now], formats, chunks and uploads it.
//
// The store read completes before any network call. A store failure or a
// transport failure aborts this run only; rejected records do not.
func (r *Relayer) Run(ctx context.Context) error {
	start := time.Now()
	defer func() { r.metrics.RelayDuration.Observe(time.Since(start).Seconds()) }()

	logger := r.logger.WithField("run_id", uuid.NewString())

	to := r.now().UTC()
	from := to.Add(-r.window)

	recs, err := r.store.SelectRange(ctx, from, to)
	if err != nil {
		return fmt.Errorf("failed to select relay window: %w", err)
	}

	chunks := Chunk(r.formatter.Records(recs), r.batchSize)
	if len(chunks) == 0 {
		logger.WithField("window", r.window).Debug("nothing to relay")
		return nil
	}

	report, err := r.uploader.Upload(ctx, chunks)

	entry := logger.WithFields(logrus.Fields{
		"from":      from.Format(time.RFC3339),
		"to":        to.Format(time.RFC3339),
		"records":   len(recs),
		"chunks":    report.Chunks,
		"attempted": report.Attempted,
		"ingested":  report.Ingested,
		"rejected":  report.Rejected,
		"duration":  time.Since(start).Round(time.Millisecond),
	})
	if err != nil {
		entry.WithError(err).Error("relay run aborted")
		return err
	}
	if report.Rejected > 0 {
		entry.Warn("relay run finished with rejections")
		return nil
	}
	entry.Info("relay run finished")
	return nil
}
