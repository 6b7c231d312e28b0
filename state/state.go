package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/dhcgn/mail-digest/model"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Ledger is the persistent set of message identifiers a previous run already
// handled. Load is permissive: when the stored ledger cannot be read it returns
// an empty, usable Set together with an error wrapping model.ErrLedgerCorrupt.
// Runs are assumed to execute one at a time; there is no cross-process locking.
type Ledger interface {
	Load(ctx context.Context) (Set, error)
	Commit(ctx context.Context, records []model.ProcessedRecord) error
	Forget(ctx context.Context, ids []string) (int, error)
	Close() error
}

// Set is an immutable snapshot of the ledger taken at load time.
type Set struct {
	records map[string]model.ProcessedRecord
}

// NewSet copies records into a snapshot. Later records win on duplicate IDs.
func NewSet(records ...model.ProcessedRecord) Set {
	m := make(map[string]model.ProcessedRecord, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		m[rec.ID] = rec
	}
	return Set{records: m}
}

func (s Set) Contains(id string) bool {
	_, ok := s.records[id]
	return ok
}

func (s Set) Lookup(id string) (model.ProcessedRecord, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

func (s Set) Len() int {
	return len(s.records)
}

// Skip reports whether a candidate with this id must not be offered again.
// Failed messages are re-offered only when retryFailed is set.
func (s Set) Skip(id string, retryFailed bool) bool {
	rec, ok := s.records[id]
	if !ok {
		return false
	}
	if rec.Outcome == model.OutcomeFailed && retryFailed {
		return false
	}
	return true
}

// Records returns all entries ordered by processing time, then ID.
func (s Set) Records() []model.ProcessedRecord {
	out := make([]model.ProcessedRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ProcessedAt.Equal(out[j].ProcessedAt) {
			return out[i].ProcessedAt.Before(out[j].ProcessedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Counts tallies entries per outcome.
func (s Set) Counts() map[model.Outcome]int {
	counts := make(map[model.Outcome]int, 3)
	for _, rec := range s.records {
		counts[rec.Outcome]++
	}
	return counts
}

func (s Set) merge(records []model.ProcessedRecord) Set {
	m := make(map[string]model.ProcessedRecord, len(s.records)+len(records))
	for id, rec := range s.records {
		m[id] = rec
	}
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		m[rec.ID] = rec
	}
	return Set{records: m}
}

func (s Set) without(ids []string) (Set, int) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	m := make(map[string]model.ProcessedRecord, len(s.records))
	removed := 0
	for id, rec := range s.records {
		if _, ok := drop[id]; ok {
			removed++
			continue
		}
		m[id] = rec
	}
	return Set{records: m}, removed
}

// MemoryLedger keeps the ledger in process memory only.
type MemoryLedger struct {
	mu  sync.RWMutex
	set Set
}

func NewMemoryLedger(records ...model.ProcessedRecord) *MemoryLedger {
	return &MemoryLedger{set: NewSet(records...)}
}

func (m *MemoryLedger) Load(ctx context.Context) (Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.set.merge(nil), nil
}

func (m *MemoryLedger) Commit(ctx context.Context, records []model.ProcessedRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.set = m.set.merge(records)
	m.mu.Unlock()
	return nil
}

func (m *MemoryLedger) Forget(ctx context.Context, ids []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int
	m.set, removed = m.set.without(ids)
	return removed, nil
}

func (m *MemoryLedger) Close() error {
	return nil
}

// Open returns the ledger backend selected by name, rooted at stateDir.
func Open(backend, stateDir string, logger *slog.Logger) (Ledger, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return NewFileLedger(stateDir, logger)
	case BackendSQLite:
		return NewSQLiteLedger(stateDir, logger)
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", backend)
	}
}
