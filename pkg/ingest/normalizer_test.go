package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

var testRegistry = telemetry.MustRegistry([]telemetry.MetricID{"temp_gpu__hotspot", "fan_cpu__measure"})

func TestDecode_Valid(t *testing.T) {
	ev, err := Decode([]byte(`{"sent":"2024-01-01 00:00:00.000000","delimitter":"x",
		"payload":[{"Id":"temp_gpu__hotspot","Value":72.5},{"Id":"fan_cpu__measure","Value":1200}]}`))
	require.NoError(t, err)

	assert.Equal(t, "2024-01-01 00:00:00.000000", ev.Sent)
	assert.Equal(t, "x", ev.Delimiter)
	require.Len(t, ev.Payload, 2)
	assert.Equal(t, telemetry.Reading{ID: "fan_cpu__measure", Value: 1200}, ev.Payload[1])
}

func TestDecode_EmptyPayloadListIsValid(t *testing.T) {
	ev, err := Decode([]byte(`{"sent":"2024-01-01 00:00:00","payload":[]}`))
	require.NoError(t, err)
	assert.Empty(t, ev.Payload)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ``},
		{"not json", `sent=now`},
		{"json array", `[{"Id":"a","Value":1}]`},
		{"truncated", `{"sent":"2024-01-01 00:00:00","payload":[`},
		{"missing sent", `{"payload":[]}`},
		{"empty sent", `{"sent":"","payload":[]}`},
		{"unparseable sent", `{"sent":"yesterday","payload":[]}`},
		{"sent not a string", `{"sent":1704067200,"payload":[]}`},
		{"missing payload", `{"sent":"2024-01-01 00:00:00"}`},
		{"null payload", `{"sent":"2024-01-01 00:00:00","payload":null}`},
		{"payload object", `{"sent":"2024-01-01 00:00:00","payload":{"Id":"a","Value":1}}`},
		{"payload string", `{"sent":"2024-01-01 00:00:00","payload":"[]"}`},
		{"entry not object", `{"sent":"2024-01-01 00:00:00","payload":[1,2]}`},
		{"entry without Id", `{"sent":"2024-01-01 00:00:00","payload":[{"Value":1}]}`},
		{"entry without Value", `{"sent":"2024-01-01 00:00:00","payload":[{"Id":"a"}]}`},
		{"null Value", `{"sent":"2024-01-01 00:00:00","payload":[{"Id":"a","Value":null}]}`},
		{"string Value", `{"sent":"2024-01-01 00:00:00","payload":[{"Id":"a","Value":"72.5"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			var malformedErr *MalformedEventError
			require.True(t, errors.As(err, &malformedErr), "got %v", err)
			assert.NotEmpty(t, malformedErr.Reason)
		})
	}
}

func TestNormalize_Dense(t *testing.T) {
	n := NewNormalizer(testRegistry)

	res, err := n.Normalize(telemetry.RawEvent{
		Sent:    "2024-01-01 00:00:00.000000",
		Payload: []telemetry.Reading{{ID: "temp_gpu__hotspot", Value: 72.5}},
	})
	require.NoError(t, err)

	assert.True(t, res.Record.Timestamp.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, map[string]float64{
		"temp_gpu__hotspot": 72.5,
		"fan_cpu__measure":  -1,
	}, res.Record.Map(testRegistry))
	assert.Zero(t, res.Unknown)
}

func TestNormalize_UnknownIDsIgnored(t *testing.T) {
	n := NewNormalizer(testRegistry)

	base := telemetry.RawEvent{
		Sent:    "2024-01-01 00:00:00",
		Payload: []telemetry.Reading{{ID: "temp_gpu__hotspot", Value: 72.5}},
	}
	withUnknown := base
	withUnknown.Payload = append([]telemetry.Reading{{ID: "unknown_x", Value: 5}}, base.Payload...)

	want, err := n.Normalize(base)
	require.NoError(t, err)
	got, err := n.Normalize(withUnknown)
	require.NoError(t, err)

	assert.Equal(t, want.Record.Values, got.Record.Values)
	assert.Equal(t, 1, got.Unknown)
	assert.Equal(t, []string{"unknown_x"}, got.UnknownIDs)
}

func TestNormalize_LastWriteWins(t *testing.T) {
	n := NewNormalizer(testRegistry)

	res, err := n.Normalize(telemetry.RawEvent{
		Sent: "2024-01-01 00:00:00",
		Payload: []telemetry.Reading{
			{ID: "fan_cpu__measure", Value: 800},
			{ID: "fan_cpu__measure", Value: 900},
		},
	})
	require.NoError(t, err)

	v, ok := res.Record.Value(testRegistry, "fan_cpu__measure")
	require.True(t, ok)
	assert.Equal(t, 900.0, v)
}

func TestNormalize_EveryMetricPresent(t *testing.T) {
	reg := telemetry.MustRegistry(telemetry.DefaultMetrics)
	n := NewNormalizer(reg)

	res, err := n.Normalize(telemetry.RawEvent{Sent: "2024-06-01T12:00:00Z"})
	require.NoError(t, err)

	require.Len(t, res.Record.Values, reg.Len())
	for i, v := range res.Record.Values {
		assert.Equal(t, telemetry.Sentinel, v, "column %s", reg.IDs()[i])
	}
}

func TestNormalize_BadTimestamp(t *testing.T) {
	_, err := NewNormalizer(testRegistry).Normalize(telemetry.RawEvent{Sent: "soon"})
	var malformedErr *MalformedEventError
	require.True(t, errors.As(err, &malformedErr))
}
