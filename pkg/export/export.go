package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/tinyrelay/pkg/query"
	"github.com/nicktill/tinyrelay/pkg/storage"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

// FormatVersion is written into every JSON dump
const FormatVersion = "1.0"

// Exporter handles exporting buffered records to various formats
type Exporter struct {
	store storage.Store
	reg   *telemetry.Registry
}

// NewExporter creates a new exporter
func NewExporter(store storage.Store, reg *telemetry.Registry) *Exporter {
	return &Exporter{store: store, reg: reg}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	// Time range to export, inclusive on both ends
	Start time.Time
	End   time.Time

	// Column projection (nil = every metric)
	Selector *query.Selector

	// Format: "json" or "csv"
	Format string
}

// ExportResult contains stats about the export
type ExportResult struct {
	RecordsExported int       `json:"records_exported"`
	TimeRange       string    `json:"time_range"`
	Format          string    `json:"format"`
	ExportedAt      time.Time `json:"exported_at"`
}

// Metadata heads a JSON dump
type Metadata struct {
	ExportedAt  time.Time            `json:"exported_at"`
	StartTime   string               `json:"start_time"`
	EndTime     string               `json:"end_time"`
	RecordCount int                  `json:"record_count"`
	Columns     []telemetry.MetricID `json:"columns"`
	Fingerprint string               `json:"fingerprint"`
	Format      string               `json:"format"`
	Version     string               `json:"version"`
}

// Document is the JSON dump layout, also accepted by the importer
type Document struct {
	Metadata Metadata               `json:"metadata"`
	Records  []telemetry.RecordView `json:"records"`
}

func (e *Exporter) selector(opts ExportOptions) (*query.Selector, error) {
	if opts.Selector != nil {
		return opts.Selector, nil
	}
	return query.ParseSelector(e.reg, "", "")
}

func (e *Exporter) load(ctx context.Context, opts ExportOptions) ([]telemetry.SensorRecord, error) {
	recs, err := e.store.SelectRange(ctx, opts.Start, opts.End)
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return recs, nil
}

func timeRange(opts ExportOptions) string {
	return fmt.Sprintf("%s to %s", telemetry.FormatTimestamp(opts.Start), telemetry.FormatTimestamp(opts.End))
}

// ExportToJSON exports records as JSON to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	sel, err := e.selector(opts)
	if err != nil {
		return nil, err
	}
	recs, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}

	doc := Document{
		Metadata: Metadata{
			ExportedAt:  time.Now().UTC(),
			StartTime:   telemetry.FormatTimestamp(opts.Start),
			EndTime:     telemetry.FormatTimestamp(opts.End),
			RecordCount: len(recs),
			Columns:     sel.Columns(),
			Fingerprint: strconv.FormatUint(e.reg.Fingerprint(), 16),
			Format:      "json",
			Version:     FormatVersion,
		},
		Records: make([]telemetry.RecordView, len(recs)),
	}
	for i, rec := range recs {
		doc.Records[i] = sel.View(rec)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &ExportResult{
		RecordsExported: len(recs),
		TimeRange:       timeRange(opts),
		Format:          "json",
		ExportedAt:      doc.Metadata.ExportedAt,
	}, nil
}

// ExportToCSV writes one row per record: id, timestamp, then one column per
// selected metric in registry order. This matches the local table layout.
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	sel, err := e.selector(opts)
	if err != nil {
		return nil, err
	}
	recs, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)

	cols := sel.Columns()
	header := make([]string, 0, len(cols)+2)
	header = append(header, "id", "timestamp")
	for _, id := range cols {
		header = append(header, string(id))
	}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	row := make([]string, len(header))
	for _, rec := range recs {
		row[0] = strconv.FormatUint(rec.ID, 10)
		row[1] = telemetry.FormatTimestamp(rec.Timestamp)
		for i, v := range sel.Values(rec) {
			row[i+2] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return &ExportResult{
		RecordsExported: len(recs),
		TimeRange:       timeRange(opts),
		Format:          "csv",
		ExportedAt:      time.Now().UTC(),
	}, nil
}
