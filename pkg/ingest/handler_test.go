package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrelay/pkg/observability"
	"github.com/nicktill/tinyrelay/pkg/storage"
	"github.com/nicktill/tinyrelay/pkg/storage/memory"
	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

const scenarioEvent = `{"sent":"2024-01-01 00:00:00.000000","delimitter":"x","payload":[{"Id":"temp_gpu__hotspot","Value":72.5}]}`

type fixture struct {
	handler *Handler
	store   *memory.Storage
	metrics *observability.Metrics
	hook    *logtest.Hook
}

func newFixture(t *testing.T, opts HandlerOptions) fixture {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	store := memory.New(testRegistry)
	m := observability.New()
	return fixture{
		handler: NewHandler(store, testRegistry, m, logger, opts),
		store:   store,
		metrics: m,
		hook:    hook,
	}
}

func (f fixture) all(t *testing.T) []telemetry.SensorRecord {
	t.Helper()
	recs, err := f.store.SelectRange(context.Background(),
		time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return recs
}

func TestHandleMessage_Scenario(t *testing.T) {
	f := newFixture(t, HandlerOptions{})

	id, err := f.handler.HandleMessage(context.Background(), "bedroom/torrent7", []byte(scenarioEvent))
	require.NoError(t, err)
	require.NotZero(t, id)

	recs := f.all(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "2024-01-01 00:00:00.000000", telemetry.FormatTimestamp(recs[0].Timestamp))
	assert.Equal(t, map[string]float64{"temp_gpu__hotspot": 72.5, "fan_cpu__measure": -1}, recs[0].Map(testRegistry))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IngestEvents.WithLabelValues(observability.IngestStored)))
}

func TestHandleMessage_MalformedDoesNotStopLaterMessages(t *testing.T) {
	f := newFixture(t, HandlerOptions{})
	ctx := context.Background()

	f.handler.Deliver(ctx, "bedroom/torrent7", []byte(`{"sent":`))
	f.handler.Deliver(ctx, "bedroom/torrent7", []byte(`{"payload":[]}`))
	f.handler.Deliver(ctx, "bedroom/torrent7", []byte(scenarioEvent))

	assert.Len(t, f.all(t), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.IngestEvents.WithLabelValues(observability.IngestMalformed)))

	var warned int
	for _, entry := range f.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "dropping malformed event" {
			warned++
		}
	}
	assert.Equal(t, 2, warned)
}

func TestHandleMessage_UnknownReadingsCounted(t *testing.T) {
	f := newFixture(t, HandlerOptions{})

	payload := `{"sent":"2024-01-01 00:00:00","payload":[{"Id":"unknown_x","Value":5},{"Id":"fan_cpu__measure","Value":900}]}`
	_, err := f.handler.HandleMessage(context.Background(), "bedroom/torrent7", []byte(payload))
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UnknownReadings))
	assert.Equal(t, map[string]float64{"temp_gpu__hotspot": -1, "fan_cpu__measure": 900}, f.all(t)[0].Map(testRegistry))

	// a repeat is counted but not logged again
	_, err = f.handler.HandleMessage(context.Background(), "bedroom/torrent7", []byte(payload))
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.UnknownReadings))

	var logged int
	for _, entry := range f.hook.AllEntries() {
		if entry.Message == "ignoring reading id not in metric list" {
			logged++
		}
	}
	assert.Equal(t, 1, logged)
	assert.Equal(t, []string{"unknown_x"}, f.handler.UnknownIDs().IDs)
}

func TestHandleMessage_TopicAllowList(t *testing.T) {
	f := newFixture(t, HandlerOptions{AllowedTopics: []string{"bedroom/torrent7"}})

	_, err := f.handler.HandleMessage(context.Background(), "bedroom/phone", []byte(scenarioEvent))
	require.ErrorIs(t, err, ErrTopicNotAllowed)
	assert.Empty(t, f.all(t))

	_, err = f.handler.HandleMessage(context.Background(), "bedroom/torrent7", []byte(scenarioEvent))
	require.NoError(t, err)
	assert.Len(t, f.all(t), 1)
}

func TestDeliver_UnexpectedTopicWarnsOnce(t *testing.T) {
	f := newFixture(t, HandlerOptions{AllowedTopics: []string{"bedroom/torrent7"}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.handler.Deliver(ctx, "bedroom/phone", []byte(scenarioEvent))
	}
	f.handler.Deliver(ctx, "kitchen/fridge", []byte(scenarioEvent))

	var warned, debugged int
	for _, entry := range f.hook.AllEntries() {
		switch {
		case entry.Level == logrus.WarnLevel && entry.Message == "ignoring messages on topic outside allow-list":
			warned++
		case entry.Level == logrus.DebugLevel && entry.Message == "ignoring message on unexpected topic":
			debugged++
		}
	}
	assert.Equal(t, 2, warned, "one warning per topic")
	assert.Equal(t, 2, debugged)
	assert.Empty(t, f.all(t))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.IngestEvents.WithLabelValues(observability.IngestIgnoredTopic)))
}

type failingStore struct {
	storage.Store
}

func (failingStore) Append(context.Context, telemetry.SensorRecord) (uint64, error) {
	return 0, storage.WrapIO("append", errors.New("disk full"))
}

func TestHandleMessage_StoreErrorSurfaces(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	m := observability.New()
	h := NewHandler(failingStore{}, testRegistry, m, logger, HandlerOptions{})

	_, err := h.HandleMessage(context.Background(), "bedroom/torrent7", []byte(scenarioEvent))
	var ioErr *storage.IOError
	require.True(t, errors.As(err, &ioErr))

	h.Deliver(context.Background(), "bedroom/torrent7", []byte(scenarioEvent))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.IngestEvents.WithLabelValues(observability.IngestStoreError)))
}

func TestHandleMessage_PreservesArrivalOrder(t *testing.T) {
	f := newFixture(t, HandlerOptions{})
	ctx := context.Background()

	// Same sent time: ids still follow arrival order
	for _, v := range []string{"1", "2", "3"} {
		payload := `{"sent":"2024-01-01 00:00:00","payload":[{"Id":"fan_cpu__measure","Value":` + v + `}]}`
		_, err := f.handler.HandleMessage(ctx, "bedroom/torrent7", []byte(payload))
		require.NoError(t, err)
	}

	recs := f.all(t)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		v, _ := rec.Value(testRegistry, "fan_cpu__measure")
		assert.Equal(t, float64(i+1), v)
	}
}
