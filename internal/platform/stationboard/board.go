// Package stationboard keeps a read model of which visits are waiting at
// which care station, fed from committed visit events.
package stationboard

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stations, keyed by the visit status that places a visit there.
var stationForStatus = map[string]string{
	"CHECKED_IN":    "reception",
	"IN_TRIAGE":     "triage",
	"WITH_DOCTOR":   "doctor",
	"WITH_LAB":      "lab",
	"WITH_PHARMACY": "pharmacy",
	"BILLING":       "billing",
}

// StationFor returns the station a visit in status waits at, or "" for
// terminal statuses.
func StationFor(status string) string {
	return stationForStatus[status]
}

// ValidStation reports whether name is a known station.
func ValidStation(name string) bool {
	for _, s := range stationForStatus {
		if s == name {
			return true
		}
	}
	return false
}

// Entry is a visit waiting at a station.
type Entry struct {
	VisitID uuid.UUID `json:"visit_id"`
	Station string    `json:"station"`
	Since   time.Time `json:"since"`
}

// Board stores per-station queues. Empty from or to station names mean the
// visit is entering or leaving the board.
type Board interface {
	Move(ctx context.Context, tenant string, visitID uuid.UUID, from, to string, at time.Time) error
	Queue(ctx context.Context, tenant, station string, limit int) ([]Entry, error)
}

// MemoryBoard is the single-replica Board.
type MemoryBoard struct {
	mu     sync.RWMutex
	queues map[string]map[uuid.UUID]time.Time
}

func NewMemoryBoard() *MemoryBoard {
	return &MemoryBoard{queues: make(map[string]map[uuid.UUID]time.Time)}
}

func queueKey(tenant, station string) string {
	return strings.Join([]string{tenant, station}, ":")
}

func (b *MemoryBoard) Move(_ context.Context, tenant string, visitID uuid.UUID, from, to string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if from != "" {
		delete(b.queues[queueKey(tenant, from)], visitID)
	}
	if to != "" {
		k := queueKey(tenant, to)
		if b.queues[k] == nil {
			b.queues[k] = make(map[uuid.UUID]time.Time)
		}
		b.queues[k][visitID] = at
	}
	return nil
}

func (b *MemoryBoard) Queue(_ context.Context, tenant, station string, limit int) ([]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q := b.queues[queueKey(tenant, station)]
	entries := make([]Entry, 0, len(q))
	for id, at := range q {
		entries = append(entries, Entry{VisitID: id, Station: station, Since: at})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Since.Equal(entries[j].Since) {
			return entries[i].VisitID.String() < entries[j].VisitID.String()
		}
		return entries[i].Since.Before(entries[j].Since)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
