// Package storagetest holds the behavioural checks every storage.Store
// backend must pass. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrelay/pkg/storage"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

// Opener creates an empty store for reg. The store is closed by the suite.
type Opener func(t *testing.T, reg *telemetry.Registry) storage.Store

// Registry is the two-column schema used throughout the suite
var Registry = telemetry.MustRegistry([]telemetry.MetricID{"temp_gpu__hotspot", "fan_cpu__measure"})

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Record builds a record at base+offset with both columns set to v
func Record(offset time.Duration, v float64) telemetry.SensorRecord {
	return telemetry.SensorRecord{
		Timestamp: base.Add(offset),
		Values:    []float64{v, v},
	}
}

// Run executes the conformance suite against open
func Run(t *testing.T, open Opener) {
	t.Run("AppendAndSelect", func(t *testing.T) { testAppendAndSelect(t, open) })
	t.Run("MonotonicIDs", func(t *testing.T) { testMonotonicIDs(t, open) })
	t.Run("SelectOrdering", func(t *testing.T) { testSelectOrdering(t, open) })
	t.Run("SelectBoundsInclusive", func(t *testing.T) { testSelectBounds(t, open) })
	t.Run("DeleteBeforePrefix", func(t *testing.T) { testDeleteBefore(t, open) })
	t.Run("RejectsWrongWidth", func(t *testing.T) { testWrongWidth(t, open) })
	t.Run("TimestampRange", func(t *testing.T) { testTimestampRange(t, open) })
	t.Run("ConcurrentAppendSelect", func(t *testing.T) { testConcurrent(t, open) })
	t.Run("Stats", func(t *testing.T) { testStats(t, open) })
}

func openStore(t *testing.T, open Opener) storage.Store {
	t.Helper()
	store := open(t, Registry)
	t.Cleanup(func() { store.Close() })
	return store
}

func testAppendAndSelect(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()

	rec := telemetry.SensorRecord{Timestamp: base, Values: []float64{-1, 72.5}}
	// Registry order is fan_cpu__measure, temp_gpu__hotspot
	id, err := store.Append(ctx, rec)
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := store.SelectRange(ctx, base.Add(-time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, id, got[0].ID)
	require.True(t, got[0].Timestamp.Equal(base), "timestamp %v", got[0].Timestamp)
	require.Equal(t, []float64{-1, 72.5}, got[0].Values)
}

func testMonotonicIDs(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()

	var last uint64
	for i := 0; i < 20; i++ {
		id, err := store.Append(ctx, Record(time.Duration(i)*time.Second, float64(i)))
		require.NoError(t, err)
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func testSelectOrdering(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()

	// Out-of-order arrival must still come back in timestamp order
	offsets := []time.Duration{3 * time.Second, time.Second, 2 * time.Second}
	for _, off := range offsets {
		_, err := store.Append(ctx, Record(off, float64(off/time.Second)))
		require.NoError(t, err)
	}

	got, err := store.SelectRange(ctx, base, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, want := range []float64{1, 2, 3} {
		require.Equal(t, want, got[i].Values[0])
	}
}

func testSelectBounds(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, Record(time.Duration(i)*time.Minute, float64(i)))
		require.NoError(t, err)
	}

	got, err := store.SelectRange(ctx, base.Add(time.Minute), base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, 1.0, got[0].Values[0])
	require.Equal(t, 3.0, got[2].Values[0])

	empty, err := store.SelectRange(ctx, base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Empty(t, empty)
}

func testDeleteBefore(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.Append(ctx, Record(time.Duration(i)*time.Hour, float64(i)))
		require.NoError(t, err)
	}

	// Cutoff lands exactly on t3: t0..t3 go, t4..t9 stay
	deleted, err := store.DeleteBefore(ctx, base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 4, deleted)

	rest, err := store.SelectRange(ctx, base.Add(-24*time.Hour), base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, rest, 6)
	require.Equal(t, 4.0, rest[0].Values[0])

	// Idempotent
	deleted, err = store.DeleteBefore(ctx, base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Zero(t, deleted)
}

func testWrongWidth(t *testing.T, open Opener) {
	store := openStore(t, open)

	_, err := store.Append(context.Background(), telemetry.SensorRecord{
		Timestamp: base,
		Values:    []float64{1},
	})
	var widthErr *storage.ColumnCountError
	require.True(t, errors.As(err, &widthErr), "got %v", err)
}

func testTimestampRange(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()

	_, err := store.Append(ctx, telemetry.SensorRecord{
		Timestamp: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC),
		Values:    []float64{1, 1},
	})
	require.ErrorIs(t, err, telemetry.ErrTimestampOutOfRange)

	_, err = store.Append(ctx, Record(0, 1))
	require.NoError(t, err)

	// open-ended bounds still find the record
	recs, err := store.SelectRange(ctx, time.Time{}, time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, recs, 1)

	deleted, err := store.DeleteBefore(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, deleted)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.True(t, stats.OldestRecord.Equal(base), "oldest %v", stats.OldestRecord)
}

func testConcurrent(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()

	// Rows visible before the readers start, inside the queried window
	for i := 0; i < 50; i++ {
		_, err := store.Append(ctx, Record(time.Duration(i)*time.Second, float64(i)))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)

	// Writers append outside the queried window
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				off := 2*time.Hour + time.Duration(w*1000+i)*time.Millisecond
				if _, err := store.Append(ctx, Record(off, 999)); err != nil {
					errs <- err
					return
				}
			}
		}(w)
	}

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				got, err := store.SelectRange(ctx, base, base.Add(time.Minute))
				if err != nil {
					errs <- err
					return
				}
				if len(got) != 50 {
					errs <- errors.New("concurrent select saw a partial window")
					return
				}
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := store.SelectRange(ctx, base, base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, all, 150)
}

func testStats(t *testing.T, open Opener) {
	store := openStore(t, open)
	ctx := context.Background()

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.TotalRecords)

	_, err = store.Append(ctx, Record(time.Hour, 1))
	require.NoError(t, err)
	_, err = store.Append(ctx, Record(0, 1))
	require.NoError(t, err)

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats.TotalRecords)
	require.Equal(t, 2, stats.Columns)
	require.True(t, stats.OldestRecord.Equal(base))
	require.True(t, stats.NewestRecord.Equal(base.Add(time.Hour)))
}
