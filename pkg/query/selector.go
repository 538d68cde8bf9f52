package query

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nicktill/tinyrelay/pkg/telemetry"
)

var (
	// ErrUnknownSensor is returned when a requested sensor is not in the registry
	ErrUnknownSensor = errors.New("unknown sensor")

	// ErrEmptySelection is returned when group and sensor filters leave no column
	ErrEmptySelection = errors.New("filters match no metric")
)

// Selector is a column projection over records of one registry.
// Filters never drop rows; they only narrow which values are returned.
type Selector struct {
	reg     *telemetry.Registry
	indices []int
}

// ParseSelector builds a projection from the group and sensor query values.
// group keeps metrics whose ID starts with "<group>_"; sensor is a comma
// separated list of metric IDs. Both empty selects every column.
func ParseSelector(reg *telemetry.Registry, group, sensor string) (*Selector, error) {
	group = strings.TrimSpace(group)

	wanted := make(map[telemetry.MetricID]bool)
	for _, name := range strings.Split(sensor, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !reg.Contains(name) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSensor, name)
		}
		wanted[telemetry.MetricID(name)] = true
	}

	sel := &Selector{reg: reg}
	for i, id := range reg.IDs() {
		if group != "" && !strings.HasPrefix(string(id), group+"_") {
			continue
		}
		if len(wanted) > 0 && !wanted[id] {
			continue
		}
		sel.indices = append(sel.indices, i)
	}

	if len(sel.indices) == 0 {
		return nil, ErrEmptySelection
	}
	return sel, nil
}

// Columns returns the selected metric IDs in registry order
func (s *Selector) Columns() []telemetry.MetricID {
	ids := s.reg.IDs()
	out := make([]telemetry.MetricID, len(s.indices))
	for i, idx := range s.indices {
		out[i] = ids[idx]
	}
	return out
}

// Values returns the selected values of rec in registry order
func (s *Selector) Values(rec telemetry.SensorRecord) []float64 {
	out := make([]float64, len(s.indices))
	for i, idx := range s.indices {
		if idx < len(rec.Values) {
			out[i] = rec.Values[idx]
		}
	}
	return out
}

// View renders rec with only the selected metrics
func (s *Selector) View(rec telemetry.SensorRecord) telemetry.RecordView {
	ids := s.reg.IDs()
	values := make(map[string]float64, len(s.indices))
	for _, idx := range s.indices {
		if idx < len(rec.Values) {
			values[string(ids[idx])] = rec.Values[idx]
		}
	}
	return telemetry.RecordView{
		ID:        rec.ID,
		Timestamp: telemetry.FormatTimestamp(rec.Timestamp),
		Values:    values,
	}
}
