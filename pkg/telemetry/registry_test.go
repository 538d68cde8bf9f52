package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRegistry_SortsAndDeduplicates(t *testing.T) {
	reg, err := NewRegistry([]MetricID{"temp_gpu__hotspot", "fan_cpu__measure", "temp_gpu__hotspot"})
	require.NoError(t, err)

	require.Equal(t, []MetricID{"fan_cpu__measure", "temp_gpu__hotspot"}, reg.IDs())
	require.Equal(t, 2, reg.Len())

	idx, ok := reg.Index("temp_gpu__hotspot")
	require.True(t, ok)
	require.Equal(t, 1, idx)
	require.False(t, reg.Contains("unknown_x"))
}

func TestNewRegistry_Invalid(t *testing.T) {
	tests := []struct {
		name string
		ids  []MetricID
	}{
		{name: "empty", ids: nil},
		{name: "blank id", ids: []MetricID{""}},
		{name: "sql injection", ids: []MetricID{"a; DROP TABLE x"}},
		{name: "dash", ids: []MetricID{"temp-gpu"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.ids); err == nil {
				t.Errorf("NewRegistry(%v) should fail", tt.ids)
			}
		})
	}
}

func TestRegistry_FingerprintTracksOrderedSet(t *testing.T) {
	a := MustRegistry([]MetricID{"b", "a"})
	b := MustRegistry([]MetricID{"a", "b"})
	c := MustRegistry([]MetricID{"a", "b", "c"})

	require.Equal(t, a.Fingerprint(), b.Fingerprint())
	require.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestRegistry_Blank(t *testing.T) {
	reg := MustRegistry(DefaultMetrics)
	blank := reg.Blank()

	require.Len(t, blank, len(DefaultMetrics))
	for i, v := range blank {
		if v != Sentinel {
			t.Errorf("slot %d = %v, want sentinel", i, v)
		}
	}
}

func TestSensorRecord_MapAndValue(t *testing.T) {
	reg := MustRegistry([]MetricID{"temp_gpu__hotspot", "fan_cpu__measure"})
	rec := SensorRecord{Values: []float64{-1, 72.5}}

	v, ok := rec.Value(reg, "temp_gpu__hotspot")
	require.True(t, ok)
	require.Equal(t, 72.5, v)

	require.Equal(t, map[string]float64{
		"fan_cpu__measure":  -1,
		"temp_gpu__hotspot": 72.5,
	}, rec.Map(reg))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 1, 1, 0, 0, 0, 123000000, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-01-01 00:00:00.123000", want},
		{"2024-01-01 00:00:00.123", want},
		{"2024-01-01T00:00:00.123Z", want},
		{"2024-01-01 00:00:00", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in)
		require.NoError(t, err, tt.in)
		require.True(t, got.Equal(tt.want), "%s parsed to %v", tt.in, got)
	}

	_, err := ParseTimestamp("yesterday")
	require.Error(t, err)
	_, err = ParseTimestamp("")
	require.Error(t, err)
}

func TestParseTimestamp_OutOfRange(t *testing.T) {
	for _, in := range []string{"2300-01-01 00:00:00.000000", "1600-01-01 00:00:00", "0001-01-01T00:00:00Z"} {
		_, err := ParseTimestamp(in)
		require.ErrorIs(t, err, ErrTimestampOutOfRange, in)
	}

	_, err := ParseTimestamp("2262-01-01 00:00:00")
	require.NoError(t, err)
}

func TestFormatTimestamp_FixedWidth(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, "2024-01-01 00:00:00.000000", FormatTimestamp(ts))
}
