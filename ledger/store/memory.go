// Package store provides an in-memory ledger.TxStore for testing and dev.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.TxStore with a map and a big lock. WithTx holds
// the lock for the whole unit of work and restores a snapshot on error, so
// it gives the same exclusivity and all-or-nothing guarantees the SQLite
// store gets from its transaction.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*ledger.Entry
	byTxNo  map[string]string // transaction number -> entry ID
	order   []string          // insertion order, for stable sorts
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*ledger.Entry),
		byTxNo:  make(map[string]string),
	}
}

// =============================================================================
// STORE INTERFACE
// =============================================================================

func (m *Memory) Insert(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(e)
}

func (m *Memory) GetByTransactionNo(_ context.Context, transactionNo string) (*ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getByTransactionNoLocked(transactionNo)
}

func (m *Memory) SumRemaining(_ context.Context, userID string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sumRemainingLocked(userID, now)
}

func (m *Memory) SelectActiveGrants(_ context.Context, userID string, now time.Time, limit int) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectActiveGrantsLocked(userID, now, limit)
}

func (m *Memory) DecrementRemaining(_ context.Context, entryID string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decrementRemainingLocked(entryID, delta)
}

func (m *Memory) CountBonusGrants(_ context.Context, signupIP, claimIP string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countBonusGrantsLocked(signupIP, claimIP, since)
}

func (m *Memory) MarkExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markExpiredLocked(now)
}

func (m *Memory) SoftDelete(_ context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.softDeleteLocked(entryID)
}

func (m *Memory) Entries(_ context.Context, userID string, limit int) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entriesLocked(userID, limit)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx holds the store lock for the duration of fn and restores a full
// snapshot if fn fails.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshotLocked()
	if err := fn(&memTx{m: m}); err != nil {
		m.restoreLocked(snapshot)
		return err
	}
	return nil
}

// memTx exposes the locked variants to WithTx callbacks. The outer lock is
// already held; re-locking would deadlock.
type memTx struct {
	m *Memory
}

func (t *memTx) Insert(_ context.Context, e ledger.Entry) error {
	return t.m.insertLocked(e)
}

func (t *memTx) GetByTransactionNo(_ context.Context, transactionNo string) (*ledger.Entry, error) {
	return t.m.getByTransactionNoLocked(transactionNo)
}

func (t *memTx) SumRemaining(_ context.Context, userID string, now time.Time) (int64, error) {
	return t.m.sumRemainingLocked(userID, now)
}

func (t *memTx) SelectActiveGrants(_ context.Context, userID string, now time.Time, limit int) ([]ledger.Entry, error) {
	return t.m.selectActiveGrantsLocked(userID, now, limit)
}

func (t *memTx) DecrementRemaining(_ context.Context, entryID string, delta int64) error {
	return t.m.decrementRemainingLocked(entryID, delta)
}

func (t *memTx) CountBonusGrants(_ context.Context, signupIP, claimIP string, since time.Time) (int, error) {
	return t.m.countBonusGrantsLocked(signupIP, claimIP, since)
}

func (t *memTx) MarkExpired(_ context.Context, now time.Time) (int64, error) {
	return t.m.markExpiredLocked(now)
}

func (t *memTx) SoftDelete(_ context.Context, entryID string) error {
	return t.m.softDeleteLocked(entryID)
}

func (t *memTx) Entries(_ context.Context, userID string, limit int) ([]ledger.Entry, error) {
	return t.m.entriesLocked(userID, limit)
}

// =============================================================================
// LOCKED IMPLEMENTATIONS
// =============================================================================

func (m *Memory) insertLocked(e ledger.Entry) error {
	if _, exists := m.byTxNo[e.TransactionNo]; exists {
		return ledger.ErrDuplicateTransactionNo
	}
	clone := cloneEntry(e)
	m.entries[e.ID] = &clone
	m.byTxNo[e.TransactionNo] = e.ID
	m.order = append(m.order, e.ID)
	return nil
}

func (m *Memory) getByTransactionNoLocked(transactionNo string) (*ledger.Entry, error) {
	id, ok := m.byTxNo[transactionNo]
	if !ok {
		return nil, nil
	}
	clone := cloneEntry(*m.entries[id])
	return &clone, nil
}

func (m *Memory) sumRemainingLocked(userID string, now time.Time) (int64, error) {
	var total int64
	for _, e := range m.entries {
		if e.UserID == userID && e.Spendable(now) {
			total += e.RemainingCredits
		}
	}
	return total, nil
}

func (m *Memory) selectActiveGrantsLocked(userID string, now time.Time, limit int) ([]ledger.Entry, error) {
	pos := make(map[string]int, len(m.order))
	for i, id := range m.order {
		pos[id] = i
	}

	var grants []ledger.Entry
	for _, e := range m.entries {
		if e.UserID == userID && e.Spendable(now) {
			grants = append(grants, cloneEntry(*e))
		}
	}

	// Soonest-expiring first, never-expiring last, insertion order as the
	// tiebreak.
	sort.Slice(grants, func(i, j int) bool {
		a, b := grants[i], grants[j]
		switch {
		case a.ExpiresAt == nil && b.ExpiresAt == nil:
			return pos[a.ID] < pos[b.ID]
		case a.ExpiresAt == nil:
			return false
		case b.ExpiresAt == nil:
			return true
		case !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		default:
			return pos[a.ID] < pos[b.ID]
		}
	})

	if len(grants) > limit {
		grants = grants[:limit]
	}
	return grants, nil
}

func (m *Memory) decrementRemainingLocked(entryID string, delta int64) error {
	e, ok := m.entries[entryID]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	if e.Type != ledger.TypeGrant || e.RemainingCredits < delta {
		return ledger.ErrConcurrentModification
	}
	e.RemainingCredits -= delta
	return nil
}

func (m *Memory) countBonusGrantsLocked(signupIP, claimIP string, since time.Time) (int, error) {
	if signupIP == "" && claimIP == "" {
		return 0, nil
	}
	count := 0
	for _, e := range m.entries {
		if !strings.HasPrefix(e.TransactionNo, ledger.BonusTransactionNoPrefix) {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		if (signupIP != "" && e.SignupIP == signupIP) ||
			(claimIP != "" && e.ClaimIP == claimIP) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) markExpiredLocked(now time.Time) (int64, error) {
	var n int64
	for _, e := range m.entries {
		if e.Status == ledger.StatusActive && e.IsExpired(now) {
			e.Status = ledger.StatusExpired
			n++
		}
	}
	return n, nil
}

func (m *Memory) softDeleteLocked(entryID string) error {
	e, ok := m.entries[entryID]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	e.Status = ledger.StatusDeleted
	return nil
}

func (m *Memory) entriesLocked(userID string, limit int) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[m.order[i]]
		if e.UserID == userID {
			out = append(out, cloneEntry(*e))
		}
	}
	return out, nil
}

// =============================================================================
// SNAPSHOT / RESTORE
// =============================================================================

type snapshot struct {
	entries map[string]*ledger.Entry
	byTxNo  map[string]string
	order   []string
}

func (m *Memory) snapshotLocked() snapshot {
	s := snapshot{
		entries: make(map[string]*ledger.Entry, len(m.entries)),
		byTxNo:  make(map[string]string, len(m.byTxNo)),
		order:   append([]string(nil), m.order...),
	}
	for id, e := range m.entries {
		clone := cloneEntry(*e)
		s.entries[id] = &clone
	}
	for k, v := range m.byTxNo {
		s.byTxNo[k] = v
	}
	return s
}

func (m *Memory) restoreLocked(s snapshot) {
	m.entries = s.entries
	m.byTxNo = s.byTxNo
	m.order = s.order
}

func cloneEntry(e ledger.Entry) ledger.Entry {
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		e.ExpiresAt = &t
	}
	if e.ConsumedDetail != nil {
		e.ConsumedDetail = append([]ledger.Draw(nil), e.ConsumedDetail...)
	}
	if e.Metadata != nil {
		meta := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			meta[k] = v
		}
		e.Metadata = meta
	}
	return e
}
