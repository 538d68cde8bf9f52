package relay

import (
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/timestreamwrite/types"

	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

// DefaultBatchSize is the sink's per-call record limit
const DefaultBatchSize = 100

// Shared attribute names on every relayed record
const (
	HostDimension = "hostname"
	MeasureName   = "metric"
)

// Formatter converts stored records into the sink's multi-measure records.
// Measures follow registry order so every batch has the same column layout.
type Formatter struct {
	registry *telemetry.Registry
}

// NewFormatter creates a formatter for reg
func NewFormatter(reg *telemetry.Registry) *Formatter {
	return &Formatter{registry: reg}
}

// Records emits one record per input, in input order. Output is a pure
// function of the input.
func (f *Formatter) Records(recs []telemetry.SensorRecord) []types.Record {
	if len(recs) == 0 {
		return nil
	}

	ids := f.registry.IDs()
	out := make([]types.Record, 0, len(recs))
	for _, rec := range recs {
		measures := make([]types.MeasureValue, len(ids))
		for i, id := range ids {
			v := telemetry.Sentinel
			if i < len(rec.Values) {
				v = rec.Values[i]
			}
			measures[i] = types.MeasureValue{
				Name:  aws.String(string(id)),
				Value: aws.String(strconv.FormatFloat(v, 'f', -1, 64)),
				Type:  types.MeasureValueTypeDouble,
			}
		}
		out = append(out, types.Record{
			Time:          aws.String(EpochMillis(rec.Timestamp)),
			TimeUnit:      types.TimeUnitMilliseconds,
			MeasureValues: measures,
		})
	}
	return out
}

// EpochMillis renders t as rounded milliseconds since the Unix epoch
func EpochMillis(t time.Time) string {
	return strconv.FormatInt(t.Round(time.Millisecond).UnixMilli(), 10)
}

// CommonAttributes is the record template shared by every entry of a call:
// the host dimension plus the multi-measure name and type.
func CommonAttributes(hostname string) *types.Record {
	return &types.Record{
		Dimensions: []types.Dimension{{
			Name:               aws.String(HostDimension),
			Value:              aws.String(hostname),
			DimensionValueType: types.DimensionValueTypeVarchar,
		}},
		MeasureName:      aws.String(MeasureName),
		MeasureValueType: types.MeasureValueTypeMulti,
	}
}

// Chunk splits items into consecutive slices of at most n, preserving order.
// It yields ceil(len/n) chunks and nil for empty input. n <= 0 means
// DefaultBatchSize. Chunks share the backing array of items.
func Chunk[T any](items []T, n int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if n <= 0 {
		n = DefaultBatchSize
	}

	chunks := make([][]T, 0, (len(items)+n-1)/n)
	for start := 0; start < len(items); start += n {
		end := start + n
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end:end])
	}
	return chunks
}
