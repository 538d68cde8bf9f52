package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyrelay/pkg/storage"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

// Storage stores records in memory. Data is lost on restart.
// Useful for testing and dry runs.
type Storage struct {
	registry *telemetry.Registry
	records  []telemetry.SensorRecord
	nextID   uint64
	mu       sync.RWMutex
}

// New creates an in-memory storage backend
func New(registry *telemetry.Registry) *Storage {
	return &Storage{
		registry: registry,
		records:  make([]telemetry.SensorRecord, 0, 1024),
	}
}

// Append stores a copy of rec in memory
func (s *Storage) Append(ctx context.Context, rec telemetry.SensorRecord) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storage.WrapIO("append", err)
	}
	if len(rec.Values) != s.registry.Len() {
		return 0, &storage.ColumnCountError{Got: len(rec.Values), Want: s.registry.Len()}
	}
	if err := telemetry.CheckTimestampRange(rec.Timestamp); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	stored := telemetry.SensorRecord{
		ID:        s.nextID,
		Timestamp: rec.Timestamp.UTC(),
		Values:    append([]float64(nil), rec.Values...),
	}

	// Keep timestamp order; senders are usually already in order
	i := sort.Search(len(s.records), func(i int) bool {
		return s.records[i].Timestamp.After(stored.Timestamp)
	})
	s.records = append(s.records, telemetry.SensorRecord{})
	copy(s.records[i+1:], s.records[i:])
	s.records[i] = stored

	return stored.ID, nil
}

// SelectRange returns copies of records in [from, to]
func (s *Storage) SelectRange(ctx context.Context, from, to time.Time) ([]telemetry.SensorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.WrapIO("select", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []telemetry.SensorRecord
	for _, r := range s.records {
		if !storage.InRange(r.Timestamp, from, to) {
			continue
		}
		results = append(results, telemetry.SensorRecord{
			ID:        r.ID,
			Timestamp: r.Timestamp,
			Values:    append([]float64(nil), r.Values...),
		})
	}
	return results, nil
}

// DeleteBefore removes records at or before cutoff
func (s *Storage) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, storage.WrapIO("delete", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filtered := make([]telemetry.SensorRecord, 0, len(s.records))
	for _, r := range s.records {
		if r.Timestamp.After(cutoff) {
			filtered = append(filtered, r)
		}
	}

	deleted := len(s.records) - len(filtered)
	s.records = filtered
	return deleted, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalRecords: uint64(len(s.records)),
		Columns:      s.registry.Len(),
		// Rough size estimate: 8 bytes per value plus id and timestamp
		SizeBytes: uint64(len(s.records)) * uint64(8*s.registry.Len()+24),
	}

	if len(s.records) > 0 {
		stats.OldestRecord = s.records[0].Timestamp
		stats.NewestRecord = s.records[len(s.records)-1].Timestamp
	}

	return stats, nil
}

var _ storage.Store = (*Storage)(nil)
