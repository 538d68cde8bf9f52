/*
Package storage provides the durable local store for normalized sensor records.

# Store Interface

Every backend implements Store:

	type Store interface {
	    Append(ctx context.Context, rec telemetry.SensorRecord) (uint64, error)
	    SelectRange(ctx context.Context, from, to time.Time) ([]telemetry.SensorRecord, error)
	    DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
	    Stats(ctx context.Context) (*Stats, error)
	    Close() error
	}

Backends:
  - memory: in-process slice, for tests and dry runs
  - badger: BadgerDB (LSM tree + Snappy), the default on-device store
  - sqlite: one table with a REAL column per metric, compatible with
    databases written by the original collector

# Guarantees

Append assigns strictly increasing ids. SelectRange bounds are inclusive and
results are ordered by (timestamp, id). DeleteBefore removes records with
timestamp <= cutoff and is idempotent.

A store is opened against a telemetry.Registry. If the persisted column set
differs from the registry the open fails with *SchemaMismatchError; the
store never drops or rewrites existing data to fit a new schema.

All failures of the underlying engine surface as *IOError, so callers can
tell storage trouble apart from bad input:

	var ioErr *storage.IOError
	if errors.As(err, &ioErr) {
	    log.WithError(err).Warn("store unavailable")
	}
*/
package storage
