package export

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyrelay/pkg/config"
	"github.com/nicktill/tinyrelay/pkg/httpx"
	"github.com/nicktill/tinyrelay/pkg/query"
	"github.com/nicktill/tinyrelay/pkg/storage"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	reg      *telemetry.Registry
	logger   logrus.FieldLogger
	now      func() time.Time

	maxImportBytes int64
}

// NewHandler creates a new export/import handler
func NewHandler(store storage.Store, reg *telemetry.Registry, logger logrus.FieldLogger) *Handler {
	return &Handler{
		exporter: NewExporter(store, reg),
		importer: NewImporter(store, reg),
		reg:      reg,
		logger:   logger.WithField("component", "export"),
		now:      time.Now,

		maxImportBytes: config.MaxImportBytes,
	}
}

// HandleExport handles GET /v1/export
// Query params:
//   - format: "json" or "csv" (default: json)
//   - minutes: look-back window (default: 24h, max 4 days)
//   - group, sensor: column projection as in /v1/records
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	q := r.URL.Query()

	format := q.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid format. Must be 'json' or 'csv'")
		return
	}

	window, err := httpx.ParseMinutes(r, "minutes", config.DefaultExportWindow, config.MaxExportWindow)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	sel, err := query.ParseSelector(h.reg, q.Get("group"), q.Get("sensor"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	end := h.now()
	opts := ExportOptions{
		Start:    end.Add(-window),
		End:      end,
		Selector: sel,
		Format:   format,
	}

	timestamp := end.UTC().Format("20060102-150405")
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=tinyrelay-export-%s.%s", timestamp, format))

	var result *ExportResult
	if format == "json" {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}

	if err != nil {
		h.logger.WithError(err).Error("export failed")
		// Headers are still unsent when the store read fails; encode errors
		// mid-stream can only be logged.
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("export failed: %w", err))
		return
	}

	h.logger.WithFields(logrus.Fields{
		"records": result.RecordsExported,
		"format":  format,
		"range":   result.TimeRange,
	}).Info("exported records")
}

// HandleImport handles POST /v1/import with a JSON dump body
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.maxImportBytes)
	result, err := h.importer.ImportFromJSON(r.Context(), body)
	if err != nil {
		h.logger.WithError(err).Error("import failed")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.RespondErrorString(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("import body exceeds %d bytes", tooLarge.Limit))
			return
		}
		var mismatch *storage.SchemaMismatchError
		if errors.As(err, &mismatch) {
			httpx.RespondError(w, http.StatusConflict, err)
			return
		}
		var ioErr *storage.IOError
		if errors.As(err, &ioErr) {
			httpx.RespondError(w, http.StatusServiceUnavailable, err)
			return
		}
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	logger := h.logger.WithFields(logrus.Fields{"records": result.RecordsImported, "range": result.TimeRange})
	if len(result.Errors) > 0 {
		logger.WithField("skipped", len(result.Errors)).Warn("import skipped invalid records")
	}
	logger.Info("imported records")

	httpx.RespondJSON(w, http.StatusOK, result)
}
