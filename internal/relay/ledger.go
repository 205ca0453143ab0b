package relay

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Ledger records trigger ids that have already started (or are about to start) a
// workflow run. Admit must be atomic: for any id, concurrent callers see exactly
// one true.
type Ledger interface {
	Admit(ctx context.Context, triggerID string) (bool, error)
	Forget(ctx context.Context, triggerID string) error
	Close() error
}

type LedgerOptions struct {
	// Window is how long an admitted id is remembered. Zero keeps ids until they are
	// evicted by MaxEntries.
	Window     time.Duration
	MaxEntries int
}

const defaultLedgerMaxEntries = 100000

type ledgerEntry struct {
	id         string
	admittedAt time.Time
	seq        uint64
}

type MemoryLedger struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	seq        uint64
	entries    map[string]uint64
	order      []ledgerEntry
	// stale counts records in order whose id was forgotten.
	stale int
	now   func() time.Time
}

func NewMemoryLedger(opts LedgerOptions) *MemoryLedger {
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultLedgerMaxEntries
	}
	window := opts.Window
	if window < 0 {
		window = 0
	}
	return &MemoryLedger{
		window:     window,
		maxEntries: maxEntries,
		entries:    map[string]uint64{},
		now:        time.Now,
	}
}

func (l *MemoryLedger) Admit(_ context.Context, triggerID string) (bool, error) {
	triggerID = strings.TrimSpace(triggerID)
	if triggerID == "" {
		return false, ErrInvalidInput
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
	if _, seen := l.entries[triggerID]; seen {
		return false, nil
	}
	l.seq++
	l.entries[triggerID] = l.seq
	l.order = append(l.order, ledgerEntry{id: triggerID, admittedAt: now, seq: l.seq})
	l.pruneLocked(now)
	return true, nil
}

func (l *MemoryLedger) Forget(_ context.Context, triggerID string) error {
	triggerID = strings.TrimSpace(triggerID)
	if triggerID == "" {
		return ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, live := l.entries[triggerID]; !live {
		return nil
	}
	delete(l.entries, triggerID)
	l.stale++
	if l.stale > len(l.order)/2 {
		l.compactLocked()
	}
	return nil
}

// compactLocked rewrites order without the records of forgotten ids.
func (l *MemoryLedger) compactLocked() {
	kept := make([]ledgerEntry, 0, len(l.entries))
	for _, e := range l.order {
		if current, live := l.entries[e.id]; live && current == e.seq {
			kept = append(kept, e)
		}
	}
	l.order = kept
	l.stale = 0
}

func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *MemoryLedger) Close() error {
	return nil
}

// pruneLocked drops expired entries and, past capacity, the oldest ones. Entries in
// order whose seq no longer matches the map were forgotten and are skipped.
func (l *MemoryLedger) pruneLocked(now time.Time) {
	for len(l.order) > 0 {
		head := l.order[0]
		current, live := l.entries[head.id]
		if !live || current != head.seq {
			l.order = l.order[1:]
			if l.stale > 0 {
				l.stale--
			}
			continue
		}
		expired := l.window > 0 && !now.Before(head.admittedAt.Add(l.window))
		if !expired && len(l.entries) <= l.maxEntries {
			return
		}
		delete(l.entries, head.id)
		l.order = l.order[1:]
	}
}
