package ingest

import (
	"sort"
	"sync"
	"time"
)

const (
	// MaxTrackedUnknownIDs bounds the set of unknown reading ids remembered
	MaxTrackedUnknownIDs = 1000

	// Ids not seen for this long are forgotten and reported again if they return
	unknownIDRetention = 24 * time.Hour

	unknownIDCleanupInterval = time.Hour
)

// UnknownIDTracker remembers reading ids that aren't in the registry so each
// one is reported once instead of on every message.
type UnknownIDTracker struct {
	mu sync.Mutex

	// id -> last seen
	seen map[string]time.Time

	// overflow counts ids that arrived while the set was full
	overflow uint64

	lastCleanup time.Time
	now         func() time.Time
}

// NewUnknownIDTracker creates an empty tracker
func NewUnknownIDTracker() *UnknownIDTracker {
	return &UnknownIDTracker{
		seen:        make(map[string]time.Time),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Observe records ids and returns the ones not seen before
func (t *UnknownIDTracker) Observe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.cleanupLocked(now)

	var fresh []string
	for _, id := range ids {
		if _, ok := t.seen[id]; ok {
			t.seen[id] = now
			continue
		}
		if len(t.seen) >= MaxTrackedUnknownIDs {
			t.overflow++
			continue
		}
		t.seen[id] = now
		fresh = append(fresh, id)
	}
	return fresh
}

// cleanupLocked drops ids older than unknownIDRetention. Caller holds mu.
func (t *UnknownIDTracker) cleanupLocked(now time.Time) {
	if now.Sub(t.lastCleanup) < unknownIDCleanupInterval {
		return
	}
	t.lastCleanup = now

	cutoff := now.Add(-unknownIDRetention)
	for id, lastSeen := range t.seen {
		if lastSeen.Before(cutoff) {
			delete(t.seen, id)
		}
	}
}

// Stats returns current tracker usage
func (t *UnknownIDTracker) Stats() UnknownIDStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.seen))
	for id := range t.seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return UnknownIDStats{
		Tracked:  len(ids),
		Limit:    MaxTrackedUnknownIDs,
		Overflow: t.overflow,
		IDs:      ids,
	}
}

// UnknownIDStats describes the unknown ids currently remembered
type UnknownIDStats struct {
	Tracked  int      `json:"tracked"`
	Limit    int      `json:"limit"`
	Overflow uint64   `json:"overflow"`
	IDs      []string `json:"ids"`
}
