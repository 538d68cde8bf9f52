package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

// MalformedEventError is returned for payloads that can't become a record.
// The event is dropped; ingestion carries on with the next message.
type MalformedEventError struct {
	Reason string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
	}
	return "malformed event: " + e.Reason
}

func (e *MalformedEventError) Unwrap() error {
	return e.Err
}

func malformed(reason string, err error) error {
	return &MalformedEventError{Reason: reason, Err: err}
}

// wireEvent keeps payload raw so a missing or non-list payload is detectable
type wireEvent struct {
	Sent      *string         `json:"sent"`
	Delimiter string          `json:"delimitter"`
	Payload   json.RawMessage `json:"payload"`
}

type wireReading struct {
	ID    *string         `json:"Id"`
	Value json.RawMessage `json:"Value"`
}

// Decode parses one inbound message into a RawEvent.
//
// The payload must be a JSON object with a parseable "sent" timestamp and a
// "payload" list whose entries each carry a string Id and a numeric Value.
// Anything else is a *MalformedEventError.
func Decode(payload []byte) (telemetry.RawEvent, error) {
	var ev telemetry.RawEvent

	if len(payload) > MaxPayloadBytes {
		return ev, malformed(fmt.Sprintf("%d bytes", len(payload)), ErrPayloadTooLarge)
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ev, malformed("payload is not a JSON object", nil)
	}

	var wire wireEvent
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return ev, malformed("invalid JSON", err)
	}

	if wire.Sent == nil || *wire.Sent == "" {
		return ev, malformed("missing sent timestamp", nil)
	}
	if _, err := telemetry.ParseTimestamp(*wire.Sent); err != nil {
		return ev, malformed("unparseable sent timestamp", err)
	}

	raw := bytes.TrimSpace(wire.Payload)
	if len(raw) == 0 {
		return ev, malformed("missing payload field", nil)
	}
	if raw[0] != '[' {
		return ev, malformed("payload field is not a list", nil)
	}

	var entries []wireReading
	if err := json.Unmarshal(raw, &entries); err != nil {
		return ev, malformed("invalid payload entries", err)
	}

	if len(entries) > MaxReadingsPerEvent {
		return ev, malformed(fmt.Sprintf("%d readings", len(entries)), ErrTooManyReadings)
	}

	readings := make([]telemetry.Reading, 0, len(entries))
	for i, entry := range entries {
		if entry.ID == nil {
			return ev, malformed(fmt.Sprintf("payload[%d] has no Id", i), nil)
		}
		if err := validateReadingID(*entry.ID); err != nil {
			return ev, malformed(fmt.Sprintf("payload[%d] has an invalid Id", i), err)
		}
		if len(entry.Value) == 0 || bytes.Equal(entry.Value, []byte("null")) {
			return ev, malformed(fmt.Sprintf("payload[%d] (%s) has no Value", i, *entry.ID), nil)
		}
		var value float64
		if err := json.Unmarshal(entry.Value, &value); err != nil {
			return ev, malformed(fmt.Sprintf("payload[%d] (%s) Value is not numeric", i, *entry.ID), err)
		}
		readings = append(readings, telemetry.Reading{ID: *entry.ID, Value: value})
	}

	ev.Sent = *wire.Sent
	ev.Delimiter = wire.Delimiter
	ev.Payload = readings
	return ev, nil
}

// Normalizer turns sparse RawEvents into dense records of one registry
type Normalizer struct {
	registry *telemetry.Registry
}

// NewNormalizer binds a normalizer to reg
func NewNormalizer(reg *telemetry.Registry) *Normalizer {
	return &Normalizer{registry: reg}
}

// Result is the outcome of normalizing one event
type Result struct {
	Record telemetry.SensorRecord

	// Unknown counts readings whose Id isn't in the registry
	Unknown int

	// UnknownIDs lists those Ids, in payload order
	UnknownIDs []string
}

// Normalize starts every slot at telemetry.Sentinel and overwrites the slots
// named in ev. Later duplicates win; unknown ids are skipped.
func (n *Normalizer) Normalize(ev telemetry.RawEvent) (Result, error) {
	ts, err := telemetry.ParseTimestamp(ev.Sent)
	if err != nil {
		return Result{}, malformed("unparseable sent timestamp", err)
	}

	values := n.registry.Blank()
	var unknown []string
	for _, r := range ev.Payload {
		idx, ok := n.registry.Index(telemetry.MetricID(r.ID))
		if !ok {
			unknown = append(unknown, r.ID)
			continue
		}
		values[idx] = r.Value
	}

	return Result{
		Record:     telemetry.SensorRecord{Timestamp: ts, Values: values},
		Unknown:    len(unknown),
		UnknownIDs: unknown,
	}, nil
}
