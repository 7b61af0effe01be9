package main

import (
	"context"
	"log/slog"
)

// Sync merges the two history sources into the ledger: the remote persisted
// transaction log (authoritative, entries arrive persisted=true) and the
// wallet node's own listing, normalized through the same direction rules as
// push notifications. After the merge, entries the remote log has not seen
// yet are upserted back to close the gap.

const syncPageSize = 50

// SyncTransactions runs one merge pass. Concurrent callers collapse into a
// single run: auth arrival and wallet reconnect both trigger syncs and can
// race.
func (e *Engine) SyncTransactions(ctx context.Context) error {
	_, err, _ := e.syncGroup.Do("sync", func() (any, error) {
		return nil, e.syncOnce(ctx)
	})
	return err
}

func (e *Engine) syncOnce(ctx context.Context) error {
	syncRunsTotal.Add(1)
	var firstErr error

	token := e.AuthToken()
	if e.remote != nil && token != "" {
		entries, err := e.remote.List(ctx, token, syncPageSize)
		if err != nil {
			slog.Warn("remote log fetch failed", "error", err)
			firstErr = err
		} else {
			for _, entry := range entries {
				e.store.MergeEntry(entry)
			}
		}
	}

	e.mu.Lock()
	list := e.caps.list
	e.mu.Unlock()
	if list != nil {
		records, err := list(ctx, syncPageSize)
		if err != nil {
			slog.Warn("wallet listing failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		} else if len(records) > 0 {
			now := e.now().UnixMilli()
			for _, rec := range records {
				if entry, ok := normalizeListing(rec, now); ok {
					e.store.MergeEntry(entry)
				}
			}
		}
	}

	e.saveSnapshot()

	// backfill: anything the remote log has not confirmed gets upserted now
	if e.remote != nil && token != "" {
		for _, entry := range e.store.Unpersisted() {
			e.persistRemote(entry)
		}
	}
	return firstErr
}
