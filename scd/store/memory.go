// Package store provides in-memory implementations of the scd storage
// interfaces for tests and dev.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/warp/history-engine/scd"
)

// =============================================================================
// MEMORY HISTORY STORE
// =============================================================================

// Memory is an in-memory scd.TxHistoryStore. WithTx runs fn against a
// cloned data set and swaps it in on success, so a failing fn leaves the
// store untouched - the same all-or-nothing contract as the SQL store.
type Memory[R any] struct {
	mu       sync.RWMutex
	versions map[string][]scd.Version[R] // key -> chain, oldest first
}

func NewMemory[R any]() *Memory[R] {
	return &Memory[R]{versions: make(map[string][]scd.Version[R])}
}

func (m *Memory[R]) Current(_ context.Context) (map[string]scd.Version[R], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return currentOf(m.versions), nil
}

func (m *Memory[R]) Open(_ context.Context, v scd.Version[R]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return open(m.versions, v)
}

func (m *Memory[R]) CloseCurrent(_ context.Context, key string, validTo scd.Date, expect scd.Expect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return closeCurrent(m.versions, key, validTo, expect)
}

func (m *Memory[R]) Replace(_ context.Context, v scd.Version[R], expect scd.Expect) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return replace(m.versions, v, expect)
}

func (m *Memory[R]) Versions(_ context.Context, key string) ([]scd.Version[R], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := make([]scd.Version[R], len(m.versions[key]))
	copy(chain, m.versions[key])
	return chain, nil
}

// WithTx clones the data, runs fn against the clone, and commits by swap.
func (m *Memory[R]) WithTx(ctx context.Context, fn func(scd.HistoryStore[R]) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := make(map[string][]scd.Version[R], len(m.versions))
	for k, chain := range m.versions {
		c := make([]scd.Version[R], len(chain))
		copy(c, chain)
		clone[k] = c
	}

	if err := fn(&txMemory[R]{versions: clone}); err != nil {
		return err
	}
	m.versions = clone
	return nil
}

// txMemory is the unlocked transaction view; the parent holds the lock for
// the whole WithTx call.
type txMemory[R any] struct {
	versions map[string][]scd.Version[R]
}

func (t *txMemory[R]) Current(_ context.Context) (map[string]scd.Version[R], error) {
	return currentOf(t.versions), nil
}

func (t *txMemory[R]) Open(_ context.Context, v scd.Version[R]) error {
	return open(t.versions, v)
}

func (t *txMemory[R]) CloseCurrent(_ context.Context, key string, validTo scd.Date, expect scd.Expect) error {
	return closeCurrent(t.versions, key, validTo, expect)
}

func (t *txMemory[R]) Replace(_ context.Context, v scd.Version[R], expect scd.Expect) error {
	return replace(t.versions, v, expect)
}

func (t *txMemory[R]) Versions(_ context.Context, key string) ([]scd.Version[R], error) {
	chain := make([]scd.Version[R], len(t.versions[key]))
	copy(chain, t.versions[key])
	return chain, nil
}

func currentOf[R any](versions map[string][]scd.Version[R]) map[string]scd.Version[R] {
	out := make(map[string]scd.Version[R])
	for key, chain := range versions {
		for _, v := range chain {
			if v.IsCurrent {
				out[key] = v
				break
			}
		}
	}
	return out
}

func open[R any](versions map[string][]scd.Version[R], v scd.Version[R]) error {
	versions[v.Key] = append(versions[v.Key], v)
	return nil
}

func closeCurrent[R any](versions map[string][]scd.Version[R], key string, validTo scd.Date, expect scd.Expect) error {
	chain := versions[key]
	for i := range chain {
		if !chain[i].IsCurrent {
			continue
		}
		if !chain[i].ValidFrom.Equal(expect.ValidFrom) || chain[i].RecordHash != expect.RecordHash {
			return &scd.RaceError{Table: "memory", Key: key}
		}
		chain[i].ValidTo = validTo
		chain[i].IsCurrent = false
		return nil
	}
	return &scd.RaceError{Table: "memory", Key: key}
}

func replace[R any](versions map[string][]scd.Version[R], v scd.Version[R], expect scd.Expect) error {
	chain := versions[v.Key]
	for i := range chain {
		if !chain[i].IsCurrent {
			continue
		}
		if !chain[i].ValidFrom.Equal(expect.ValidFrom) || chain[i].RecordHash != expect.RecordHash {
			return &scd.RaceError{Table: "memory", Key: v.Key}
		}
		chain[i] = v
		return nil
	}
	return &scd.RaceError{Table: "memory", Key: v.Key}
}

// =============================================================================
// MEMORY LEDGER STORE
// =============================================================================

type MemoryLedger struct {
	mu   sync.Mutex
	runs []scd.BatchRun
	next scd.BatchID
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{next: 1}
}

func (m *MemoryLedger) FindRun(_ context.Context, dataset string, asOf scd.Date, checksum string) (*scd.BatchRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.runs) - 1; i >= 0; i-- {
		r := m.runs[i]
		if r.Dataset == dataset && r.AsOf.Equal(asOf) && r.Checksum == checksum {
			out := r
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryLedger) CreateRun(_ context.Context, run *scd.BatchRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run.ID = m.next
	m.next++
	m.runs = append(m.runs, *run)
	return nil
}

func (m *MemoryLedger) FinishRun(_ context.Context, id scd.BatchID, status scd.BatchStatus, message string, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.runs {
		if m.runs[i].ID == id {
			m.runs[i].Status = status
			m.runs[i].Message = message
			at := finishedAt
			m.runs[i].FinishedAt = &at
			return nil
		}
	}
	return nil
}

func (m *MemoryLedger) ListRuns(_ context.Context, dataset string, status scd.BatchStatus, limit int) ([]scd.BatchRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []scd.BatchRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		r := m.runs[i]
		if dataset != "" && r.Dataset != dataset {
			continue
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
