package telemetry

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var validMetricID = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ErrEmptyRegistry is returned when a registry is built from no metrics
var ErrEmptyRegistry = errors.New("schema registry needs at least one metric")

// DefaultMetrics is the sensor set published by the host exporter
var DefaultMetrics = []MetricID{
	"fan_cpu__measure",
	"fan_gpu__fan1",
	"fan_gpu__fan2",
	"fan_gpu__fan3",
	"sys_cpu__clock_core_max",
	"sys_cpu__clock_core_min",
	"sys_cpu__clock",
	"sys_cpu__utilization_thread_max",
	"sys_cpu__utilization_thread_min",
	"sys_cpu__utilization",
	"sys_gpu__mem_clock",
	"sys_gpu__mem_usage",
	"sys_gpu__utilization",
	"sys_mem__clock",
	"sys_mem__usage",
	"temp_chipset__measure",
	"temp_cpu__measure",
	"temp_gpu__hotspot",
	"temp_gpu__measure",
	"temp_hdd__hdd1",
	"temp_hdd__hdd2",
	"temp_mobo__measure",
	"voltage_cpu__measure",
	"voltage_gpu__measure",
	"wattage_cpu__measure",
	"wattage_gpu__measure",
}

// Registry is the fixed, lexicographically ordered set of metrics that defines
// record shape. The position of a metric in IDs() is its column everywhere:
// in stored records, in the local table and in relayed batches.
//
// A Registry is immutable and safe for concurrent use.
type Registry struct {
	ids   []MetricID
	index map[MetricID]int
	fp    uint64
}

// NewRegistry sorts and deduplicates ids. Every id must be a plain identifier
// since it doubles as a column name.
func NewRegistry(ids []MetricID) (*Registry, error) {
	seen := make(map[MetricID]struct{}, len(ids))
	sorted := make([]MetricID, 0, len(ids))
	for _, id := range ids {
		if !validMetricID.MatchString(string(id)) {
			return nil, fmt.Errorf("invalid metric id %q", id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		sorted = append(sorted, id)
	}
	if len(sorted) == 0 {
		return nil, ErrEmptyRegistry
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := make(map[MetricID]int, len(sorted))
	for i, id := range sorted {
		index[id] = i
	}

	return &Registry{
		ids:   sorted,
		index: index,
		fp:    xxhash.Sum64String(joinIDs(sorted)),
	}, nil
}

// MustRegistry is NewRegistry for fixed sets known to be valid
func MustRegistry(ids []MetricID) *Registry {
	r, err := NewRegistry(ids)
	if err != nil {
		panic(err)
	}
	return r
}

// RegistryFromStrings builds a registry from configuration values
func RegistryFromStrings(names []string) (*Registry, error) {
	ids := make([]MetricID, len(names))
	for i, n := range names {
		ids[i] = MetricID(strings.TrimSpace(n))
	}
	return NewRegistry(ids)
}

// IDs returns the canonical column order. Callers must not modify the slice.
func (r *Registry) IDs() []MetricID {
	return r.ids
}

// Len returns the number of metrics
func (r *Registry) Len() int {
	return len(r.ids)
}

// Index returns the column position of id
func (r *Registry) Index(id MetricID) (int, bool) {
	i, ok := r.index[id]
	return i, ok
}

// Contains reports whether an external id maps to a known metric
func (r *Registry) Contains(externalID string) bool {
	_, ok := r.index[MetricID(externalID)]
	return ok
}

// Fingerprint identifies the ordered column set
func (r *Registry) Fingerprint() uint64 {
	return r.fp
}

// Columns returns the ids as plain strings, in order
func (r *Registry) Columns() []string {
	cols := make([]string, len(r.ids))
	for i, id := range r.ids {
		cols[i] = string(id)
	}
	return cols
}

// Blank returns a value row with every slot set to Sentinel
func (r *Registry) Blank() []float64 {
	values := make([]float64, len(r.ids))
	for i := range values {
		values[i] = Sentinel
	}
	return values
}

func joinIDs(ids []MetricID) string {
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(id))
	}
	return b.String()
}
