// Package query serves read access to the local buffer over HTTP.
package query

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nicktill/tinyrelay/pkg/config"
	"github.com/nicktill/tinyrelay/pkg/httpx"
	"github.com/nicktill/tinyrelay/pkg/storage"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

// Handler handles record, schema and stats requests
type Handler struct {
	store  storage.Store
	reg    *telemetry.Registry
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewHandler creates a new query handler
func NewHandler(store storage.Store, reg *telemetry.Registry, logger logrus.FieldLogger) *Handler {
	return &Handler{
		store:  store,
		reg:    reg,
		logger: logger.WithField("component", "query"),
		now:    time.Now,
	}
}

// RecordsResponse is the body of GET /v1/records
type RecordsResponse struct {
	From    string                 `json:"from"`
	To      string                 `json:"to"`
	Count   int                    `json:"count"`
	Columns []telemetry.MetricID   `json:"columns"`
	Records []telemetry.RecordView `json:"records"`
}

// HandleRecords handles GET /v1/records
// Query params:
//   - minutes: look-back window (default 60, max 4 days)
//   - group: keep metrics whose ID starts with "<group>_"
//   - sensor: comma separated metric IDs
func (h *Handler) HandleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	window, err := httpx.ParseMinutes(r, "minutes", config.QueryDefaultWindow, config.QueryMaxWindow)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	q := r.URL.Query()
	sel, err := ParseSelector(h.reg, q.Get("group"), q.Get("sensor"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
	defer cancel()

	to := h.now()
	from := to.Add(-window)
	recs, err := h.store.SelectRange(ctx, from, to)
	if err != nil {
		h.logger.WithError(err).Error("records query failed")
		httpx.RespondError(w, statusFor(err), fmt.Errorf("failed to read records: %w", err))
		return
	}

	resp := RecordsResponse{
		From:    telemetry.FormatTimestamp(from),
		To:      telemetry.FormatTimestamp(to),
		Count:   len(recs),
		Columns: sel.Columns(),
		Records: make([]telemetry.RecordView, len(recs)),
	}
	for i, rec := range recs {
		resp.Records[i] = sel.View(rec)
	}

	httpx.RespondJSON(w, http.StatusOK, resp)
}

// SchemaResponse is the body of GET /v1/schema
type SchemaResponse struct {
	Columns     []telemetry.MetricID `json:"columns"`
	Count       int                  `json:"count"`
	Fingerprint string               `json:"fingerprint"`
	Sentinel    float64              `json:"sentinel"`
	TimeLayout  string               `json:"time_layout"`
}

// HandleSchema handles GET /v1/schema
func (h *Handler) HandleSchema(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	httpx.RespondJSON(w, http.StatusOK, SchemaResponse{
		Columns:     h.reg.IDs(),
		Count:       h.reg.Len(),
		Fingerprint: strconv.FormatUint(h.reg.Fingerprint(), 16),
		Sentinel:    telemetry.Sentinel,
		TimeLayout:  telemetry.TimeLayout,
	})
}

// HandleStats handles GET /v1/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.StatsTimeout)
	defer cancel()

	stats, err := h.store.Stats(ctx)
	if err != nil {
		h.logger.WithError(err).Error("stats query failed")
		httpx.RespondError(w, statusFor(err), fmt.Errorf("failed to get stats: %w", err))
		return
	}
	httpx.RespondJSON(w, http.StatusOK, stats)
}

// statusFor maps store errors onto HTTP status codes
func statusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var ioErr *storage.IOError
	if errors.As(err, &ioErr) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
