package telemetry

import "time"

// Sentinel marks a metric that was absent from the event a record was built from
const Sentinel float64 = -1

// MetricID is the canonical name of one measured quantity, e.g. "temp_gpu__hotspot"
type MetricID string

// Reading is one sparse id/value pair inside a RawEvent
type Reading struct {
	ID    string  `json:"Id"`
	Value float64 `json:"Value"`
}

// RawEvent is the inbound telemetry message before normalization.
// The "delimitter" spelling is what senders put on the wire.
type RawEvent struct {
	Sent      string    `json:"sent"`
	Delimiter string    `json:"delimitter"`
	Payload   []Reading `json:"payload"`
}

// SensorRecord is a dense, schema-complete observation.
//
// Values[i] belongs to Registry.IDs()[i] of the registry that produced it.
// ID is zero until a store assigns one on append.
type SensorRecord struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Values    []float64 `json:"values"`
}

// Value returns the value stored for id, or false if the registry doesn't know it
func (r SensorRecord) Value(reg *Registry, id MetricID) (float64, bool) {
	idx, ok := reg.Index(id)
	if !ok || idx >= len(r.Values) {
		return 0, false
	}
	return r.Values[idx], true
}

// Map projects the record onto metric names. Used by the HTTP surfaces.
func (r SensorRecord) Map(reg *Registry) map[string]float64 {
	out := make(map[string]float64, reg.Len())
	for i, id := range reg.IDs() {
		if i < len(r.Values) {
			out[string(id)] = r.Values[i]
		}
	}
	return out
}

// RecordView is the JSON shape records take on the HTTP and WebSocket surfaces
type RecordView struct {
	ID        uint64             `json:"id"`
	Timestamp string             `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// View renders the record with metric names as keys
func (r SensorRecord) View(reg *Registry) RecordView {
	return RecordView{
		ID:        r.ID,
		Timestamp: FormatTimestamp(r.Timestamp),
		Values:    r.Map(reg),
	}
}
