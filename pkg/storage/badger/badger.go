package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyrelay/pkg/storage"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

var (
	recordPrefix = []byte("r/")
	schemaKey    = []byte("meta/schema")
	sequenceKey  = []byte("meta/seq")
)

const (
	// keyLen is prefix + timestamp + id
	keyLen            = 2 + 8 + 8
	sequenceBandwidth = 256
	deleteBatchSize   = 1000
)

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db       *badger.DB
	seq      *badger.Sequence
	registry *telemetry.Registry
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly defaults)
	MaxMemoryMB int64

	// Logger receives badger's own messages. Nil keeps badger's default logger.
	Logger logrus.FieldLogger
}

// schemaMeta is persisted next to the data so later startups can detect drift
type schemaMeta struct {
	Fingerprint uint64   `json:"fingerprint"`
	Columns     []string `json:"columns"`
}

// New opens (or creates) a BadgerDB store for reg. An existing database whose
// columns differ from reg fails with *storage.SchemaMismatchError.
func New(cfg Config, reg *telemetry.Registry) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(cfg.Logger)
	}

	// BadgerDB defaults: 64 MB memtable, 5 x 64 MB = 320 MB total.
	// An edge relay gets 16 MB memtable unless told otherwise.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // 64 MB value log files instead of 2 GB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	if err := ensureSchema(db, reg); err != nil {
		db.Close()
		return nil, err
	}

	seq, err := db.GetSequence(sequenceKey, sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open id sequence: %w", err)
	}

	return &Storage{db: db, seq: seq, registry: reg}, nil
}

// ensureSchema records the column set on first open and compares it afterwards
func ensureSchema(db *badger.DB, reg *telemetry.Registry) error {
	want := schemaMeta{Fingerprint: reg.Fingerprint(), Columns: reg.Columns()}

	return db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(schemaKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			data, err := json.Marshal(want)
			if err != nil {
				return err
			}
			return txn.Set(schemaKey, data)
		}
		if err != nil {
			return fmt.Errorf("failed to read schema: %w", err)
		}

		var found schemaMeta
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &found)
		}); err != nil {
			return fmt.Errorf("failed to decode schema: %w", err)
		}

		if found.Fingerprint == want.Fingerprint {
			return nil
		}
		if err := storage.CheckColumns(want.Columns, found.Columns); err != nil {
			return err
		}
		// Same columns, stale fingerprint (hash changed): rewrite it
		data, err := json.Marshal(want)
		if err != nil {
			return err
		}
		return txn.Set(schemaKey, data)
	})
}

// Append writes rec under a fresh sequence id
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

	n, err := s.seq.Next()
	if err != nil {
		return 0, storage.WrapIO("append", fmt.Errorf("failed to allocate id: %w", err))
	}
	id := n + 1

	value, err := encodeValues(rec.Values)
	if err != nil {
		return 0, storage.WrapIO("append", fmt.Errorf("failed to encode record: %w", err))
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(makeKey(rec.Timestamp, id), value)
	})
	if err != nil {
		return 0, storage.WrapIO("append", fmt.Errorf("failed to write record: %w", err))
	}
	return id, nil
}

// SelectRange seeks to from and walks forward until to.
// Enforces context cancellation to avoid blocking a relay run indefinitely.
func (s *Storage) SelectRange(ctx context.Context, from, to time.Time) ([]telemetry.SensorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.WrapIO("select", err)
	}

	type queryResult struct {
		results []telemetry.SensorRecord
		err     error
	}
	done := make(chan queryResult, 1)

	go func() {
		var res queryResult
		res.err = s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchSize = 100
			opts.Prefix = recordPrefix

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Seek(makeKey(clampKeyTime(from), 0)); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}

				item := it.Item()
				ts, id := parseKey(item.Key())
				if ts.After(to) {
					break
				}

				var values []float64
				if err := item.Value(func(val []byte) error {
					var err error
					values, err = decodeValues(val)
					return err
				}); err != nil {
					return fmt.Errorf("failed to decode record %d: %w", id, err)
				}

				res.results = append(res.results, telemetry.SensorRecord{
					ID:        id,
					Timestamp: ts,
					Values:    values,
				})
			}
			return nil
		})
		done <- res
	}()

	select {
	case res := <-done:
		return res.results, storage.WrapIO("select", res.err)
	case <-ctx.Done():
		return nil, storage.WrapIO("select", fmt.Errorf("query cancelled: %w", ctx.Err()))
	}
}

// DeleteBefore removes every record with timestamp <= cutoff.
// Keys are collected in a read transaction and removed through a WriteBatch
// so large retention sweeps don't hit ErrTxnTooBig.
func (s *Storage) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, storage.WrapIO("delete", err)
	}

	type deleteResult struct {
		deleted int
		err     error
	}
	done := make(chan deleteResult, 1)

	go func() {
		var res deleteResult
		var keys [][]byte

		res.err = s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = recordPrefix

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				item := it.Item()
				ts, _ := parseKey(item.Key())
				if ts.After(cutoff) {
					break // keys are time ordered
				}
				keys = append(keys, item.KeyCopy(nil))
			}
			return nil
		})
		if res.err != nil {
			done <- res
			return
		}

		for start := 0; start < len(keys); start += deleteBatchSize {
			end := start + deleteBatchSize
			if end > len(keys) {
				end = len(keys)
			}
			wb := s.db.NewWriteBatch()
			for _, key := range keys[start:end] {
				if err := wb.Delete(key); err != nil {
					wb.Cancel()
					res.err = err
					done <- res
					return
				}
			}
			if err := wb.Flush(); err != nil {
				res.err = err
				done <- res
				return
			}
			res.deleted = end
		}
		done <- res
	}()

	select {
	case res := <-done:
		return res.deleted, storage.WrapIO("delete", res.err)
	case <-ctx.Done():
		return 0, storage.WrapIO("delete", fmt.Errorf("delete cancelled: %w", ctx.Err()))
	}
}

// Close releases the id lease and shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to release id sequence: %w", err)
	}
	return s.db.Close()
}

// CollectGarbage runs one pass of BadgerDB's value log garbage collection,
// reclaiming disk space from deleted values. A file is rewritten when at
// least discardRatio of it can be dropped (0.5 = 50%). It reports whether a
// file was rewritten; "nothing to do" is not an error.
func (s *Storage) CollectGarbage(discardRatio float64) (bool, error) {
	err := s.db.RunValueLogGC(discardRatio)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrRejected):
		return false, nil
	default:
		return false, err
	}
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &storage.Stats{Columns: s.registry.Len()}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = recordPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ts, _ := parseKey(it.Item().Key())
			if stats.TotalRecords == 0 {
				stats.OldestRecord = ts
			}
			stats.NewestRecord = ts
			stats.TotalRecords++
		}
		return nil
	})
	if err != nil {
		return nil, storage.WrapIO("stats", err)
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// makeKey creates a sortable key: prefix + timestamp + id.
// Format: ["r/"][timestamp (8 bytes)][id (8 bytes)]
// The sign bit is flipped so pre-1970 timestamps still sort first.
func makeKey(ts time.Time, id uint64) []byte {
	key := make([]byte, keyLen)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[2:10], uint64(ts.UnixNano())^(1<<63))
	binary.BigEndian.PutUint64(key[10:18], id)
	return key
}

// clampKeyTime pulls range bounds into the span makeKey can encode
func clampKeyTime(t time.Time) time.Time {
	switch {
	case t.Before(telemetry.MinTimestamp):
		return telemetry.MinTimestamp
	case t.After(telemetry.MaxTimestamp):
		return telemetry.MaxTimestamp
	}
	return t
}

// parseKey extracts timestamp and id from a record key
func parseKey(key []byte) (time.Time, uint64) {
	tsNano := int64(binary.BigEndian.Uint64(key[2:10]) ^ (1 << 63))
	id := binary.BigEndian.Uint64(key[10:18])
	return time.Unix(0, tsNano).UTC(), id
}

// encodeValues serializes a value row
func encodeValues(values []float64) ([]byte, error) {
	return json.Marshal(values)
}

// decodeValues deserializes a value row
func decodeValues(data []byte) ([]float64, error) {
	var values []float64
	err := json.Unmarshal(data, &values)
	return values, err
}

var _ storage.Store = (*Storage)(nil)
