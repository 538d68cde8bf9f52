package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

func TestParseSelector(t *testing.T) {
	tests := []struct {
		name    string
		group   string
		sensor  string
		want    []telemetry.MetricID
		wantErr error
	}{
		{name: "everything", want: reg.IDs()},
		{name: "group", group: "temp", want: []telemetry.MetricID{"temp_cpu__measure", "temp_gpu__hotspot"}},
		{name: "group needs full prefix", group: "tem", wantErr: ErrEmptySelection},
		{name: "sensors with spaces", sensor: " fan_cpu__measure , temp_cpu__measure", want: []telemetry.MetricID{"fan_cpu__measure", "temp_cpu__measure"}},
		{name: "group and sensor intersect", group: "temp", sensor: "temp_gpu__hotspot,fan_cpu__measure", want: []telemetry.MetricID{"temp_gpu__hotspot"}},
		{name: "disjoint", group: "fan", sensor: "temp_gpu__hotspot", wantErr: ErrEmptySelection},
		{name: "unknown sensor", sensor: "temp_cpu__measure,unknown_x", wantErr: ErrUnknownSensor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := ParseSelector(reg, tt.group, tt.sensor)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, sel.Columns())
		})
	}
}

func TestSelector_Values(t *testing.T) {
	sel, err := ParseSelector(reg, "temp", "")
	require.NoError(t, err)

	rec := telemetry.SensorRecord{ID: 7, Timestamp: now, Values: []float64{900, 45.5, telemetry.Sentinel}}
	assert.Equal(t, []float64{45.5, telemetry.Sentinel}, sel.Values(rec))

	view := sel.View(rec)
	assert.Equal(t, uint64(7), view.ID)
	assert.Equal(t, "2024-03-10 12:00:00.000000", view.Timestamp)
	assert.Len(t, view.Values, 2)
}
