package main

import (
	"sort"
	"sync"
)

// LedgerStore owns the canonical in-memory transaction list. Everything else
// only proposes entries through Append or MergeEntry; rows are immutable once
// inserted except for the persisted flag. Readers always see a
// createdAt-descending copy.
//
// The 200-entry cap is a display/cache bound. The remote log stays
// authoritative for history beyond it.

const maxLedgerEntries = 200

type LedgerStore struct {
	mu      sync.Mutex
	entries []LedgerEntry

	// onInsert runs after every successful insert, outside the store lock.
	// Persistence is a downstream mirror and must never block the append.
	onInsert func(LedgerEntry)
}

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{}
}

// SetInsertHook installs the persistence hook. Call before concurrent use.
func (s *LedgerStore) SetInsertHook(hook func(LedgerEntry)) {
	s.onInsert = hook
}

// Seed replaces the ledger contents from a snapshot without firing hooks.
func (s *LedgerStore) Seed(entries []LedgerEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.ID == "" || e.AmountMsats <= 0 || seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		s.entries = append(s.entries, e)
	}
	s.sortAndTrimLocked()
}

// Append inserts a new entry. Returns false without touching anything when an
// entry with the same id already exists or the entry is invalid.
func (s *LedgerStore) Append(e LedgerEntry) bool {
	if e.ID == "" || e.AmountMsats <= 0 {
		return false
	}
	s.mu.Lock()
	if s.indexLocked(e.ID) >= 0 {
		s.mu.Unlock()
		return false
	}
	s.entries = append(s.entries, e)
	s.sortAndTrimLocked()
	s.mu.Unlock()
	ledgerInsertsTotal.Add(1)
	if s.onInsert != nil {
		s.onInsert(e)
	}
	return true
}

// MergeEntry reconciles an entry arriving from the remote log or the node
// listing. An existing row keeps its fields; persisted=true wins from either
// side, and an empty description is filled in from the incoming record.
// Returns true when the id was new and the entry was inserted.
func (s *LedgerStore) MergeEntry(e LedgerEntry) bool {
	if e.ID == "" || e.AmountMsats <= 0 {
		return false
	}
	s.mu.Lock()
	if i := s.indexLocked(e.ID); i >= 0 {
		if e.Persisted {
			s.entries[i].Persisted = true
		}
		if s.entries[i].Description == "" && e.Description != "" {
			s.entries[i].Description = e.Description
		}
		s.mu.Unlock()
		return false
	}
	s.entries = append(s.entries, e)
	s.sortAndTrimLocked()
	s.mu.Unlock()
	ledgerInsertsTotal.Add(1)
	if s.onInsert != nil {
		s.onInsert(e)
	}
	return true
}

// MarkPersisted flips the persisted flag, the only in-place mutation allowed.
// Returns true if the flag actually changed.
func (s *LedgerStore) MarkPersisted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 || s.entries[i].Persisted {
		return false
	}
	s.entries[i].Persisted = true
	return true
}

// Entries returns a copy of the ledger, newest first.
func (s *LedgerStore) Entries() []LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LedgerEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *LedgerStore) Get(id string) (LedgerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.entries[i], true
	}
	return LedgerEntry{}, false
}

func (s *LedgerStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Unpersisted returns the entries not yet confirmed by the remote log.
func (s *LedgerStore) Unpersisted() []LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LedgerEntry
	for _, e := range s.entries {
		if !e.Persisted {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops every entry. Only the explicit user-confirmed wipe calls this.
func (s *LedgerStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

func (s *LedgerStore) indexLocked(id string) int {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *LedgerStore) sortAndTrimLocked() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].CreatedAt > s.entries[j].CreatedAt
	})
	if len(s.entries) > maxLedgerEntries {
		s.entries = s.entries[:maxLedgerEntries]
	}
}
