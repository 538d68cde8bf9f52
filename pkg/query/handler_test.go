package query

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrelay/pkg/storage"
	"github.com/nicktill/tinyrelay/pkg/storage/memory"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

var (
	reg = telemetry.MustRegistry([]telemetry.MetricID{
		"fan_cpu__measure",
		"temp_cpu__measure",
		"temp_gpu__hotspot",
	})
	now = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
)

func newHandler(t *testing.T, store storage.Store) *Handler {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	h := NewHandler(store, reg, logger)
	h.now = func() time.Time { return now }
	return h
}

func seed(t *testing.T, offsets ...time.Duration) *memory.Storage {
	t.Helper()
	store := memory.New(reg)
	for i, off := range offsets {
		v := float64(i + 1)
		_, err := store.Append(context.Background(), telemetry.SensorRecord{
			Timestamp: now.Add(-off),
			Values:    []float64{v * 100, v * 10, v},
		})
		require.NoError(t, err)
	}
	return store
}

func getRecords(t *testing.T, h *Handler, target string) (*httptest.ResponseRecorder, RecordsResponse) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.HandleRecords(rr, httptest.NewRequest(http.MethodGet, target, nil))
	var resp RecordsResponse
	if rr.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	}
	return rr, resp
}

func TestHandleRecords_DefaultWindow(t *testing.T) {
	h := newHandler(t, seed(t, 2*time.Hour, 30*time.Minute, time.Minute))

	rr, resp := getRecords(t, h, "/v1/records")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, resp.Count, "default window is one hour")
	require.Len(t, resp.Records, 2)
	assert.Equal(t, "2024-03-10 11:30:00.000000", resp.Records[0].Timestamp)
	assert.Equal(t, map[string]float64{
		"fan_cpu__measure":  200,
		"temp_cpu__measure": 20,
		"temp_gpu__hotspot": 2,
	}, resp.Records[0].Values)
}

func TestHandleRecords_Minutes(t *testing.T) {
	h := newHandler(t, seed(t, 2*time.Hour, 30*time.Minute, time.Minute))

	_, resp := getRecords(t, h, "/v1/records?minutes=180")
	assert.Equal(t, 3, resp.Count)

	_, resp = getRecords(t, h, "/v1/records?minutes=5")
	assert.Equal(t, 1, resp.Count)
}

func TestHandleRecords_BadMinutes(t *testing.T) {
	h := newHandler(t, seed(t))

	for _, target := range []string{
		"/v1/records?minutes=abc",
		"/v1/records?minutes=0",
		"/v1/records?minutes=-5",
		"/v1/records?minutes=10000",
	} {
		rr, _ := getRecords(t, h, target)
		assert.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
}

func TestHandleRecords_GroupProjection(t *testing.T) {
	h := newHandler(t, seed(t, time.Minute))

	_, resp := getRecords(t, h, "/v1/records?group=temp")
	require.Len(t, resp.Records, 1)
	assert.Equal(t, []telemetry.MetricID{"temp_cpu__measure", "temp_gpu__hotspot"}, resp.Columns)
	assert.Equal(t, map[string]float64{"temp_cpu__measure": 10, "temp_gpu__hotspot": 1}, resp.Records[0].Values)
}

func TestHandleRecords_SensorProjection(t *testing.T) {
	h := newHandler(t, seed(t, time.Minute))

	_, resp := getRecords(t, h, "/v1/records?sensor=temp_gpu__hotspot,fan_cpu__measure")
	require.Len(t, resp.Records, 1)
	assert.Equal(t, []telemetry.MetricID{"fan_cpu__measure", "temp_gpu__hotspot"}, resp.Columns)
	assert.Equal(t, map[string]float64{"fan_cpu__measure": 100, "temp_gpu__hotspot": 1}, resp.Records[0].Values)
}

func TestHandleRecords_UnknownSensor(t *testing.T) {
	h := newHandler(t, seed(t, time.Minute))

	rr, _ := getRecords(t, h, "/v1/records?sensor=unknown_x")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "unknown sensor")

	rr, _ = getRecords(t, h, "/v1/records?group=voltage")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleRecords_MethodNotAllowed(t *testing.T) {
	h := newHandler(t, seed(t))
	rr := httptest.NewRecorder()
	h.HandleRecords(rr, httptest.NewRequest(http.MethodPost, "/v1/records", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

type brokenStore struct {
	*memory.Storage
}

func (brokenStore) SelectRange(context.Context, time.Time, time.Time) ([]telemetry.SensorRecord, error) {
	return nil, storage.WrapIO("select", errors.New("database is locked"))
}

func TestHandleRecords_StoreError(t *testing.T) {
	h := newHandler(t, brokenStore{memory.New(reg)})
	rr, _ := getRecords(t, h, "/v1/records")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandleSchema(t *testing.T) {
	h := newHandler(t, seed(t))
	rr := httptest.NewRecorder()
	h.HandleSchema(rr, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp SchemaResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, reg.IDs(), resp.Columns)
	assert.Equal(t, 3, resp.Count)
	assert.Equal(t, telemetry.Sentinel, resp.Sentinel)
	assert.NotEmpty(t, resp.Fingerprint)
}

func TestHandleStats(t *testing.T) {
	h := newHandler(t, seed(t, time.Hour, time.Minute))
	rr := httptest.NewRecorder()
	h.HandleStats(rr, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var stats storage.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, uint64(2), stats.TotalRecords)
	assert.Equal(t, 3, stats.Columns)
}
