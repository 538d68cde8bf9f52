// Package retention bounds the local store by deleting records past a fixed
// age. It runs on its own schedule and never looks at relay state: a record
// that was never relayed is still deleted once it is old enough.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyrelay/pkg/observability"
	"github.com/nicktill/tinyrelay/pkg/storage"
)

// GarbageCollector is implemented by stores that reclaim disk space in a
// separate step after deletes (badger's value log). CollectGarbage reports
// whether the pass freed anything.
type GarbageCollector interface {
	CollectGarbage(discardRatio float64) (bool, error)
}

// Janitor deletes records older than the horizon
type Janitor struct {
	store        storage.Store
	horizon      time.Duration
	discardRatio float64
	now          func() time.Time
	metrics      *observability.Metrics
	logger       logrus.FieldLogger
}

// NewJanitor creates a janitor for store
func NewJanitor(store storage.Store, horizon time.Duration, discardRatio float64, metrics *observability.Metrics, logger logrus.FieldLogger) *Janitor {
	return &Janitor{
		store:        store,
		horizon:      horizon,
		discardRatio: discardRatio,
		now:          time.Now,
		metrics:      metrics,
		logger:       logger.WithField("component", "retention"),
	}
}

// Cutoff is the newest timestamp a run would delete
func (j *Janitor) Cutoff() time.Time {
	return j.now().UTC().Add(-j.horizon)
}

// Run deletes every record with timestamp <= now - horizon, then gives the
// store a chance to reclaim space. A GC failure is logged, not returned.
func (j *Janitor) Run(ctx context.Context) error {
	cutoff := j.Cutoff()

	deleted, err := j.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to delete records before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	j.metrics.RetentionDeleted.Add(float64(deleted))

	logger := j.logger.WithFields(logrus.Fields{
		"cutoff":  cutoff.Format(time.RFC3339),
		"deleted": deleted,
	})
	if deleted == 0 {
		logger.Debug("retention sweep found nothing to delete")
		return nil
	}
	logger.Info("retention sweep complete")

	if gc, ok := j.store.(GarbageCollector); ok {
		j.collect(gc)
	}
	return nil
}

// collect repeats GC passes while they keep freeing space
func (j *Janitor) collect(gc GarbageCollector) {
	passes := 0
	for passes < maxGCPasses {
		collected, err := gc.CollectGarbage(j.discardRatio)
		if err != nil {
			j.logger.WithError(err).Warn("garbage collection failed")
			return
		}
		if !collected {
			break
		}
		passes++
	}
	if passes > 0 {
		j.logger.WithField("passes", passes).Debug("value log garbage collected")
	}
}

const maxGCPasses = 10
