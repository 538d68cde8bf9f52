package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/nicktill/tinyrelay/pkg/query"
	"github.com/nicktill/tinyrelay/pkg/storage"
	"github.com/nicktill/tinyrelay/pkg/storage/memory"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

var reg = telemetry.MustRegistry([]telemetry.MetricID{
	"fan_cpu__measure",
	"temp_cpu__measure",
	"temp_gpu__hotspot",
})

func seedStore(t *testing.T) *memory.Storage {
	t.Helper()
	store := memory.New(reg)
	ctx := context.Background()
	recs := []telemetry.SensorRecord{
		{Timestamp: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC), Values: []float64{812, 48.5, 61.25}},
		{Timestamp: time.Date(2024, 3, 10, 12, 1, 0, 0, time.UTC), Values: []float64{820, 49, telemetry.Sentinel}},
	}
	for _, rec := range recs {
		if _, err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Failed to seed store: %v", err)
		}
	}
	return store
}

func dayOpts() ExportOptions {
	return ExportOptions{
		Start: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 10, 23, 59, 59, 0, time.UTC),
	}
}

func TestExportToJSON(t *testing.T) {
	store := seedStore(t)
	defer store.Close()

	exporter := NewExporter(store, reg)
	buf := &bytes.Buffer{}

	result, err := exporter.ExportToJSON(context.Background(), buf, dayOpts())
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if result.RecordsExported != 2 {
		t.Errorf("Expected 2 records exported, got %d", result.RecordsExported)
	}

	var doc Document
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("Failed to parse exported JSON: %v", err)
	}
	if doc.Metadata.Format != "json" {
		t.Errorf("Expected format 'json', got %s", doc.Metadata.Format)
	}
	if doc.Metadata.RecordCount != 2 {
		t.Errorf("Expected record count 2, got %d", doc.Metadata.RecordCount)
	}
	if len(doc.Metadata.Columns) != 3 {
		t.Errorf("Expected 3 columns, got %v", doc.Metadata.Columns)
	}
	if len(doc.Records) != 2 {
		t.Fatalf("Expected 2 records in output, got %d", len(doc.Records))
	}
	if got := doc.Records[1].Values["temp_gpu__hotspot"]; got != telemetry.Sentinel {
		t.Errorf("Expected sentinel for absent reading, got %v", got)
	}
}

func TestExportToCSV(t *testing.T) {
	store := seedStore(t)
	defer store.Close()

	exporter := NewExporter(store, reg)
	buf := &bytes.Buffer{}

	result, err := exporter.ExportToCSV(context.Background(), buf, dayOpts())
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if result.RecordsExported != 2 {
		t.Errorf("Expected 2 records exported, got %d", result.RecordsExported)
	}

	rows, err := csv.NewReader(buf).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected 3 CSV rows (header + 2 rows), got %d", len(rows))
	}

	wantHeader := "id,timestamp,fan_cpu__measure,temp_cpu__measure,temp_gpu__hotspot"
	if got := strings.Join(rows[0], ","); got != wantHeader {
		t.Errorf("Header = %s, want %s", got, wantHeader)
	}
	wantRow := "1,2024-03-10 12:00:00.000000,812,48.5,61.25"
	if got := strings.Join(rows[1], ","); got != wantRow {
		t.Errorf("Row = %s, want %s", got, wantRow)
	}
	if rows[2][4] != "-1" {
		t.Errorf("Expected sentinel -1 in CSV, got %s", rows[2][4])
	}
}

func TestExportToCSV_Projection(t *testing.T) {
	store := seedStore(t)
	defer store.Close()

	sel, err := query.ParseSelector(reg, "temp", "")
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}
	opts := dayOpts()
	opts.Selector = sel

	buf := &bytes.Buffer{}
	if _, err := NewExporter(store, reg).ExportToCSV(context.Background(), buf, opts); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	rows, _ := csv.NewReader(buf).ReadAll()
	if got := strings.Join(rows[0], ","); got != "id,timestamp,temp_cpu__measure,temp_gpu__hotspot" {
		t.Errorf("Header = %s", got)
	}
}

func TestExportEmptyStorage(t *testing.T) {
	store := memory.New(reg)
	defer store.Close()

	buf := &bytes.Buffer{}
	result, err := NewExporter(store, reg).ExportToJSON(context.Background(), buf, dayOpts())
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if result.RecordsExported != 0 {
		t.Errorf("Expected 0 records exported from empty storage, got %d", result.RecordsExported)
	}
}

func TestImportFromJSON_RoundTrip(t *testing.T) {
	src := seedStore(t)
	buf := &bytes.Buffer{}
	if _, err := NewExporter(src, reg).ExportToJSON(context.Background(), buf, dayOpts()); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	dst := memory.New(reg)
	result, err := NewImporter(dst, reg).ImportFromJSON(context.Background(), buf)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.RecordsImported != 2 {
		t.Errorf("Expected 2 records imported, got %d", result.RecordsImported)
	}
	if len(result.Errors) > 0 {
		t.Errorf("Expected no validation errors, got %v", result.Errors)
	}

	want, _ := src.SelectRange(context.Background(), dayOpts().Start, dayOpts().End)
	got, _ := dst.SelectRange(context.Background(), dayOpts().Start, dayOpts().End)
	for i := range want {
		if !got[i].Timestamp.Equal(want[i].Timestamp) {
			t.Errorf("record %d timestamp = %v, want %v", i, got[i].Timestamp, want[i].Timestamp)
		}
		for j := range want[i].Values {
			if got[i].Values[j] != want[i].Values[j] {
				t.Errorf("record %d value %d = %v, want %v", i, j, got[i].Values[j], want[i].Values[j])
			}
		}
	}
}

func TestImportValidation(t *testing.T) {
	doc := Document{
		Metadata: Metadata{Columns: reg.IDs()},
		Records: []telemetry.RecordView{
			{Timestamp: "2024-03-10 12:00:00.000000", Values: map[string]float64{"fan_cpu__measure": 1, "temp_cpu__measure": 2, "temp_gpu__hotspot": 3}},
			{Timestamp: "not a time", Values: map[string]float64{"fan_cpu__measure": 1, "temp_cpu__measure": 2, "temp_gpu__hotspot": 3}},
			{Timestamp: "2024-03-10 12:01:00.000000", Values: map[string]float64{"fan_cpu__measure": 1}},
			{Timestamp: "2999-01-01 00:00:00.000000", Values: map[string]float64{"fan_cpu__measure": 1, "temp_cpu__measure": 2, "temp_gpu__hotspot": 3}},
		},
	}
	data, _ := json.Marshal(doc)

	store := memory.New(reg)
	result, err := NewImporter(store, reg).ImportFromJSON(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.RecordsImported != 1 {
		t.Errorf("Expected 1 valid record imported, got %d", result.RecordsImported)
	}
	if len(result.Errors) != 3 {
		t.Errorf("Expected 3 validation errors, got %d: %v", len(result.Errors), result.Errors)
	}
}

func TestImportRejectsOtherSchema(t *testing.T) {
	doc := Document{Metadata: Metadata{Columns: []telemetry.MetricID{"temp_cpu__measure"}}}
	data, _ := json.Marshal(doc)

	_, err := NewImporter(memory.New(reg), reg).ImportFromJSON(context.Background(), bytes.NewReader(data))
	var mismatch *storage.SchemaMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Expected SchemaMismatchError, got %v", err)
	}
}

func TestHandleExport(t *testing.T) {
	store := seedStore(t)
	logger, _ := logtest.NewNullLogger()
	h := NewHandler(store, reg, logger)
	h.now = func() time.Time { return time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC) }

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantType   string
	}{
		{"default json", "/v1/export", http.StatusOK, "application/json"},
		{"csv", "/v1/export?format=csv&minutes=120", http.StatusOK, "text/csv"},
		{"bad format", "/v1/export?format=xml", http.StatusBadRequest, ""},
		{"window too large", "/v1/export?minutes=99999", http.StatusBadRequest, ""},
		{"unknown sensor", "/v1/export?sensor=unknown_x", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.HandleExport(rr, httptest.NewRequest(http.MethodGet, tt.target, nil))
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantType != "" && rr.Header().Get("Content-Type") != tt.wantType {
				t.Errorf("Content-Type = %s, want %s", rr.Header().Get("Content-Type"), tt.wantType)
			}
		})
	}
}

func TestHandleImport(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	h := NewHandler(memory.New(reg), reg, logger)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/import", strings.NewReader(`{"records":[]}`))
	req.Header.Set("Content-Type", "text/plain")
	h.HandleImport(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("wrong content type: status = %d, want 400", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/import", strings.NewReader(`{"metadata":{"columns":["temp_cpu__measure"]}}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	h.HandleImport(rr, req)
	if rr.Code != http.StatusConflict {
		t.Errorf("schema mismatch: status = %d, want 409", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/import", strings.NewReader(`{"records":[{"timestamp":"2024-03-10 12:00:00","values":{"fan_cpu__measure":1,"temp_cpu__measure":2,"temp_gpu__hotspot":3}}]}`))
	req.Header.Set("Content-Type", "application/json")
	h.HandleImport(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	var result ImportResult
	if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.RecordsImported != 1 {
		t.Errorf("RecordsImported = %d, want 1", result.RecordsImported)
	}
}

func TestHandleImport_BodyLimit(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	store := memory.New(reg)
	h := NewHandler(store, reg, logger)
	h.maxImportBytes = 64

	body := `{"records":[{"timestamp":"2024-03-10 12:00:00","values":{"fan_cpu__measure":1,"temp_cpu__measure":2,"temp_gpu__hotspot":3}}]}`
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/import", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.HandleImport(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413: %s", rr.Code, rr.Body.String())
	}
	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalRecords != 0 {
		t.Errorf("TotalRecords = %d, want 0", stats.TotalRecords)
	}
}
