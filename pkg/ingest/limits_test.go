package ingest

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

func TestDecode_Limits(t *testing.T) {
	manyReadings := make([]string, MaxReadingsPerEvent+1)
	for i := range manyReadings {
		manyReadings[i] = fmt.Sprintf(`{"Id":"r%d","Value":1}`, i)
	}

	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{
			name:    "too large",
			payload: `{"sent":"2024-01-01 00:00:00","payload":[],"pad":"` + strings.Repeat("x", MaxPayloadBytes) + `"}`,
			wantErr: ErrPayloadTooLarge,
		},
		{
			name:    "too many readings",
			payload: `{"sent":"2024-01-01 00:00:00","payload":[` + strings.Join(manyReadings, ",") + `]}`,
			wantErr: ErrTooManyReadings,
		},
		{
			name:    "empty id",
			payload: `{"sent":"2024-01-01 00:00:00","payload":[{"Id":"","Value":1}]}`,
			wantErr: ErrReadingIDEmpty,
		},
		{
			name:    "sent beyond storable range",
			payload: `{"sent":"2300-01-01 00:00:00.000000","payload":[{"Id":"temp_gpu__hotspot","Value":1}]}`,
			wantErr: telemetry.ErrTimestampOutOfRange,
		},
		{
			name:    "id too long",
			payload: `{"sent":"2024-01-01 00:00:00","payload":[{"Id":"` + strings.Repeat("a", MaxReadingIDLength+1) + `","Value":1}]}`,
			wantErr: ErrReadingIDTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			var malformedErr *MalformedEventError
			require.True(t, errors.As(err, &malformedErr), "got %v", err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestDecode_AtLimits(t *testing.T) {
	readings := make([]string, MaxReadingsPerEvent)
	for i := range readings {
		readings[i] = fmt.Sprintf(`{"Id":"r%d","Value":%d}`, i, i)
	}
	ev, err := Decode([]byte(`{"sent":"2024-01-01 00:00:00","payload":[` + strings.Join(readings, ",") + `]}`))
	require.NoError(t, err)
	assert.Len(t, ev.Payload, MaxReadingsPerEvent)
}
