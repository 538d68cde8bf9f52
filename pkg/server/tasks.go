package server

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyrelay/pkg/config"
	"github.com/nicktill/tinyrelay/pkg/observability"
	"github.com/nicktill/tinyrelay/pkg/server/monitor"
	"github.com/nicktill/tinyrelay/pkg/storage"
)

// RunStoreStats refreshes the store gauges every StorageCheckInterval until
// ctx is cancelled, and warns when the data directory passes its soft limit.
// Repeated failures are logged at exponentially growing intervals.
func RunStoreStats(ctx context.Context, store storage.Store, storageMonitor *monitor.StorageMonitor, metrics *observability.Metrics, logger logrus.FieldLogger) {
	ticker := time.NewTicker(config.StorageCheckInterval)
	defer ticker.Stop()

	logBackoff := backoff.NewExponentialBackOff()
	logBackoff.InitialInterval = time.Second
	logBackoff.MaxInterval = 5 * time.Minute
	logBackoff.MaxElapsedTime = 0

	var consecutiveErrors int
	var nextLog time.Time
	wasOverLimit := false

	refresh := func() {
		statsCtx, cancel := context.WithTimeout(ctx, config.StatsTimeout)
		defer cancel()

		stats, err := store.Stats(statsCtx)
		if err != nil {
			consecutiveErrors++
			if now := time.Now(); !now.Before(nextLog) {
				logger.WithError(err).WithField("consecutive_errors", consecutiveErrors).Warn("failed to read store stats")
				nextLog = now.Add(logBackoff.NextBackOff())
			}
			return
		}

		if consecutiveErrors > 0 {
			logger.WithField("errors", consecutiveErrors).Info("store stats recovered")
			consecutiveErrors = 0
			nextLog = time.Time{}
			logBackoff.Reset()
		}

		metrics.StoreRecords.Set(float64(stats.TotalRecords))
		metrics.StoreBytes.Set(float64(stats.SizeBytes))

		if storageMonitor == nil {
			return
		}
		status, err := storageMonitor.Status()
		if err != nil {
			logger.WithError(err).Debug("failed to measure data directory")
			return
		}
		if status.OverLimit && !wasOverLimit {
			logger.WithFields(logrus.Fields{
				"used_bytes":  status.UsedBytes,
				"limit_bytes": status.LimitBytes,
			}).Warn("data directory over storage limit")
		}
		wasOverLimit = status.OverLimit
	}

	refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
