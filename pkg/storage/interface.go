package storage

import (
	"context"
	"time"

	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

// Store is the durable local buffer for normalized records.
// Implementations: memory (testing), badger (default), sqlite (table layout
// compatible with the original collector database).
//
// All methods must be safe to call concurrently from the ingestion path and
// from relay and retention runs.
type Store interface {
	// Append persists rec and returns the identifier assigned to it.
	// Identifiers increase monotonically for the lifetime of the store.
	Append(ctx context.Context, rec telemetry.SensorRecord) (uint64, error)

	// SelectRange returns records whose sender timestamp falls in [from, to],
	// ordered by timestamp then identifier.
	SelectRange(ctx context.Context, from, to time.Time) ([]telemetry.SensorRecord, error)

	// DeleteBefore removes records whose sender timestamp is <= cutoff and
	// returns how many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// Stats provides storage health and usage info
type Stats struct {
	// Records currently stored
	TotalRecords uint64 `json:"total_records"`

	// Metric columns per record
	Columns int `json:"columns"`

	// Storage size in bytes (estimate for memory)
	SizeBytes uint64 `json:"size_bytes"`

	// Oldest and newest sender timestamps (zero when empty)
	OldestRecord time.Time `json:"oldest_record"`
	NewestRecord time.Time `json:"newest_record"`
}

// InRange reports whether ts lies in the closed interval [from, to]
func InRange(ts, from, to time.Time) bool {
	return !ts.Before(from) && !ts.After(to)
}
