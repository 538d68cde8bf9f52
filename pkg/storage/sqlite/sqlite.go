// Package sqlite stores records in a single SQLite table with one REAL column
// per metric, the layout used by the original collector database. Existing
// databases are opened in place; the table is never dropped.
package sqlite

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nicktill/tinyrelay/pkg/storage"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

// DefaultTable is the table name of the original deployment
const DefaultTable = "multi_sensors_data"

var validTable = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config holds the parameters for opening the store
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// Table defaults to DefaultTable
	Table string

	// PoolSize defaults to max(runtime.NumCPU(), 4). SQLite serializes
	// writes regardless; extra connections serve concurrent readers.
	PoolSize int

	// Logger receives operational messages. Nil discards them.
	Logger logrus.FieldLogger
}

// Storage implements storage.Store on a zombiezen sqlitex pool
type Storage struct {
	pool     *sqlitex.Pool
	registry *telemetry.Registry
	logger   logrus.FieldLogger
	path     string

	insertSQL string
	selectSQL string
	deleteSQL string
	statsSQL  string
}

// New opens the pool, creates the table if absent and verifies its columns
// against reg. A differing column list fails with *storage.SchemaMismatchError.
func New(cfg Config, reg *telemetry.Registry) (*Storage, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite store: Path is required")
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !validTable.MatchString(table) {
		return nil, fmt.Errorf("sqlite store: invalid table name %q", table)
	}

	logger := cfg.Logger
	if logger == nil {
		discard := logrus.New()
		discard.Out = nopWriter{}
		logger = discard
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite store: opening %s: %w", cfg.Path, err)
	}

	s := &Storage{
		pool:     pool,
		registry: reg,
		logger:   logger.WithField("path", cfg.Path),
		path:     cfg.Path,
	}
	s.buildStatements(table)

	if err := s.ensureTable(table); err != nil {
		pool.Close()
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"table":     table,
		"columns":   reg.Len(),
		"pool_size": poolSize,
	}).Info("sqlite store opened")

	return s, nil
}

// prepareConnection applies WAL pragmas once per pooled connection
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlite store: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Storage) buildStatements(table string) {
	cols := s.registry.Columns()
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = `"` + c + `"`
		placeholders[i] = "?"
	}
	colList := strings.Join(quoted, ", ")

	s.insertSQL = fmt.Sprintf(`INSERT INTO %s (timestamp, %s) VALUES (?, %s)`,
		table, colList, strings.Join(placeholders, ", "))
	s.selectSQL = fmt.Sprintf(`SELECT id, timestamp, %s FROM %s
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp, id`, colList, table)
	s.deleteSQL = fmt.Sprintf(`DELETE FROM %s WHERE timestamp <= ?`, table)
	s.statsSQL = fmt.Sprintf(`SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM %s`, table)
}

// tableSchema returns the CREATE statements. Create-if-absent only.
func (s *Storage) tableSchema(table string) string {
	defs := make([]string, 0, s.registry.Len())
	for _, c := range s.registry.Columns() {
		defs = append(defs, fmt.Sprintf(`"%s" REAL NOT NULL`, c))
	}
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			%[2]s
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_timestamp ON %[1]s(timestamp);
	`, table, strings.Join(defs, ",\n\t\t\t"))
}

func (s *Storage) ensureTable(table string) error {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("sqlite store: take: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, s.tableSchema(table), nil); err != nil {
		return fmt.Errorf("sqlite store: creating table %s: %w", table, err)
	}

	var found []string
	err = sqlitex.ExecuteTransient(conn, fmt.Sprintf("PRAGMA table_info(%s)", table), &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = append(found, stmt.ColumnText(1))
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("sqlite store: reading columns of %s: %w", table, err)
	}

	expected := append([]string{"id", "timestamp"}, s.registry.Columns()...)
	return storage.CheckColumns(expected, found)
}

// Append inserts rec and returns its AUTOINCREMENT id
func (s *Storage) Append(ctx context.Context, rec telemetry.SensorRecord) (uint64, error) {
	if len(rec.Values) != s.registry.Len() {
		return 0, &storage.ColumnCountError{Got: len(rec.Values), Want: s.registry.Len()}
	}
	if err := telemetry.CheckTimestampRange(rec.Timestamp); err != nil {
		return 0, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, storage.WrapIO("append", err)
	}
	defer s.pool.Put(conn)

	args := make([]any, 0, len(rec.Values)+1)
	args = append(args, telemetry.FormatTimestamp(rec.Timestamp))
	for _, v := range rec.Values {
		args = append(args, v)
	}

	if err := sqlitex.Execute(conn, s.insertSQL, &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, storage.WrapIO("append", err)
	}
	return uint64(conn.LastInsertRowID()), nil
}

// SelectRange reads [from, to] ordered by timestamp then id
func (s *Storage) SelectRange(ctx context.Context, from, to time.Time) ([]telemetry.SensorRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storage.WrapIO("select", err)
	}
	defer s.pool.Put(conn)

	width := s.registry.Len()
	var results []telemetry.SensorRecord

	err = sqlitex.Execute(conn, s.selectSQL, &sqlitex.ExecOptions{
		Args: []any{telemetry.FormatTimestamp(from), telemetry.FormatTimestamp(to)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ts, err := telemetry.ParseTimestamp(stmt.ColumnText(1))
			if err != nil {
				return fmt.Errorf("row %d: %w", stmt.ColumnInt64(0), err)
			}
			values := make([]float64, width)
			for i := range values {
				values[i] = stmt.ColumnFloat(i + 2)
			}
			results = append(results, telemetry.SensorRecord{
				ID:        uint64(stmt.ColumnInt64(0)),
				Timestamp: ts,
				Values:    values,
			})
			return nil
		},
	})
	if err != nil {
		return nil, storage.WrapIO("select", err)
	}
	return results, nil
}

// DeleteBefore removes rows with timestamp <= cutoff
func (s *Storage) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, storage.WrapIO("delete", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, s.deleteSQL, &sqlitex.ExecOptions{
		Args: []any{telemetry.FormatTimestamp(cutoff)},
	})
	if err != nil {
		return 0, storage.WrapIO("delete", err)
	}
	return conn.Changes(), nil
}

// Stats returns row count, time bounds and database size
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, storage.WrapIO("stats", err)
	}
	defer s.pool.Put(conn)

	stats := &storage.Stats{Columns: s.registry.Len()}

	err = sqlitex.Execute(conn, s.statsSQL, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.TotalRecords = uint64(stmt.ColumnInt64(0))
			if stats.TotalRecords == 0 {
				return nil
			}
			var err error
			if stats.OldestRecord, err = telemetry.ParseTimestamp(stmt.ColumnText(1)); err != nil {
				return err
			}
			stats.NewestRecord, err = telemetry.ParseTimestamp(stmt.ColumnText(2))
			return err
		},
	})
	if err != nil {
		return nil, storage.WrapIO("stats", err)
	}

	err = sqlitex.Execute(conn, "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.SizeBytes = uint64(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return nil, storage.WrapIO("stats", err)
	}
	return stats, nil
}

// Close closes all pooled connections
func (s *Storage) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.WithError(err).Error("sqlite store close failed")
		return fmt.Errorf("sqlite store: closing %s: %w", s.path, err)
	}
	s.logger.Info("sqlite store closed")
	return nil
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

var _ storage.Store = (*Storage)(nil)
