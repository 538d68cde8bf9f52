package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/nicktill/tinyrelay/pkg/storage"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

// maxFutureSkew bounds how far ahead of the local clock an imported record may be
const maxFutureSkew = 24 * time.Hour

// Importer restores JSON dumps into the local store. Records get fresh
// identifiers; the relay picks them up on its next run if they fall inside
// the relay window.
type Importer struct {
	store storage.Store
	reg   *telemetry.Registry
	now   func() time.Time
}

// NewImporter creates a new importer
func NewImporter(store storage.Store, reg *telemetry.Registry) *Importer {
	return &Importer{store: store, reg: reg, now: time.Now}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	RecordsImported int       `json:"records_imported"`
	TimeRange       string    `json:"time_range"`
	ImportedAt      time.Time `json:"imported_at"`
	Errors          []string  `json:"errors,omitempty"`
}

// ImportFromJSON appends every valid record of a full-width dump. Invalid
// records are skipped and reported; a dump taken under a different schema
// or with a column projection is refused as a whole.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	if len(doc.Metadata.Columns) > 0 {
		found := make([]string, len(doc.Metadata.Columns))
		for i, id := range doc.Metadata.Columns {
			found[i] = string(id)
		}
		if err := storage.CheckColumns(im.reg.Columns(), found); err != nil {
			return nil, err
		}
	}

	result := &ImportResult{TimeRange: "empty", ImportedAt: im.now().UTC()}
	var minTime, maxTime time.Time

	for i, view := range doc.Records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := im.record(view)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}
		if _, err := im.store.Append(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to append record %d after %d imported: %w", i, result.RecordsImported, err)
		}

		result.RecordsImported++
		if minTime.IsZero() || rec.Timestamp.Before(minTime) {
			minTime = rec.Timestamp
		}
		if rec.Timestamp.After(maxTime) {
			maxTime = rec.Timestamp
		}
	}

	if result.RecordsImported > 0 {
		result.TimeRange = fmt.Sprintf("%s to %s", telemetry.FormatTimestamp(minTime), telemetry.FormatTimestamp(maxTime))
	}
	return result, nil
}

// record rebuilds a dense record from its JSON view
func (im *Importer) record(view telemetry.RecordView) (telemetry.SensorRecord, error) {
	ts, err := telemetry.ParseTimestamp(view.Timestamp)
	if err != nil {
		return telemetry.SensorRecord{}, err
	}
	if ts.After(im.now().Add(maxFutureSkew)) {
		return telemetry.SensorRecord{}, fmt.Errorf("timestamp too far in future: %s", view.Timestamp)
	}

	values := make([]float64, im.reg.Len())
	for i, id := range im.reg.IDs() {
		v, ok := view.Values[string(id)]
		if !ok {
			return telemetry.SensorRecord{}, fmt.Errorf("missing value for %s", id)
		}
		values[i] = v
	}
	if len(view.Values) != len(values) {
		return telemetry.SensorRecord{}, fmt.Errorf("record has %d values, registry has %d metrics", len(view.Values), len(values))
	}

	return telemetry.SensorRecord{Timestamp: ts, Values: values}, nil
}
