package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Engine is the reconciliation core. It owns the wallet connection, the
// balance baseline and the ledger store, and is the only writer of wallet
// state. Three triggers funnel into it (wallet notifications, the poll timer,
// user-initiated payments) and all serialize on one mutex so a notification's
// balance fetch can never race a poll's baseline update.
//
// Lock order: mu before store.mu before stateMu. Never the reverse.

const (
	defaultPollInterval = 4 * time.Second

	// Balance fetches have their own deadline so a stalled wallet node cannot
	// wedge the reconciliation critical section.
	balanceFetchTimeout = 15 * time.Second

	// A classified direction is overridden by the measured delta's sign when
	// the magnitudes agree within this tolerance.
	deltaOverrideToleranceSats = 2

	// Optimistic sends arm a marker; a polled outgoing delta within this
	// tolerance and window is the same payment and must not book twice.
	suppressionToleranceSats = 5
	suppressionWindow        = 15 * time.Second
)

// sendMarker records one optimistic outgoing append awaiting confirmation by
// the balance poll.
type sendMarker struct {
	amountMsats int64
	armedAt     time.Time
}

type EngineConfig struct {
	Blob   BlobStore
	Remote *RemoteLogClient

	// DecodeInvoice is the BOLT11 decode collaborator. Optional; without it,
	// amountless sends cannot be recorded optimistically.
	DecodeInvoice InvoiceDecoder

	// Lightning-address resolution, overridable in tests.
	ResolvePayInfo func(ctx context.Context, address string) (*LNURLPayInfo, error)
	RequestInvoice func(ctx context.Context, info *LNURLPayInfo, amountMsats int64) (string, error)

	PollInterval time.Duration
}

type Engine struct {
	mu sync.Mutex // reconciliation critical section

	store *LedgerStore
	blob  BlobStore

	remote         *RemoteLogClient
	decodeInvoice  InvoiceDecoder
	resolvePayInfo func(ctx context.Context, address string) (*LNURLPayInfo, error)
	requestInvoice func(ctx context.Context, info *LNURLPayInfo, amountMsats int64) (string, error)

	// guarded by mu
	conn        WalletConn
	caps        connCaps
	gen         uint64
	prevBalance int64
	hasBaseline bool
	markers     []sendMarker

	stateMu          sync.RWMutex
	lightningAddress string
	walletURI        string
	balanceMsats     int64
	connected        bool
	authToken        string
	notify           func(WalletEvent)

	pollInterval time.Duration
	now          func() time.Time

	syncGroup singleflight.Group
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		store:          NewLedgerStore(),
		blob:           cfg.Blob,
		remote:         cfg.Remote,
		decodeInvoice:  cfg.DecodeInvoice,
		resolvePayInfo: cfg.ResolvePayInfo,
		requestInvoice: cfg.RequestInvoice,
		pollInterval:   cfg.PollInterval,
		now:            time.Now,
		done:           make(chan struct{}),
	}
	if e.pollInterval <= 0 {
		e.pollInterval = defaultPollInterval
	}
	if e.resolvePayInfo == nil {
		e.resolvePayInfo = ResolveLightningAddress
	}
	if e.requestInvoice == nil {
		e.requestInvoice = RequestInvoice
	}
	e.store.SetInsertHook(e.handleInsert)
	return e
}

// SetNotifyHook installs the live-feed publisher. Call before Init.
func (e *Engine) SetNotifyHook(fn func(WalletEvent)) {
	e.stateMu.Lock()
	e.notify = fn
	e.stateMu.Unlock()
}

// Init restores state from the blob snapshot, reconnects to the stored wallet
// URI if any, and starts the poll loop. Connect failure at startup is not
// fatal: the URI stays configured and the wallet simply reads as offline.
func (e *Engine) Init(ctx context.Context) error {
	if e.blob != nil {
		data, ok, err := e.blob.Load()
		if err != nil {
			return fmt.Errorf("load wallet snapshot: %w", err)
		}
		if ok {
			var snap walletSnapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("decode wallet snapshot: %w", err)
			}
			e.store.Seed(snap.Transactions)
			e.stateMu.Lock()
			e.lightningAddress = snap.LightningAddress
			e.walletURI = snap.WalletURI
			e.balanceMsats = snap.BalanceMsats
			e.stateMu.Unlock()
			slog.Info("wallet snapshot restored", "transactions", e.store.Len())
		}
	}

	e.stateMu.RLock()
	uri := e.walletURI
	e.stateMu.RUnlock()
	if uri != "" {
		if err := e.SetWalletURI(ctx, uri); err != nil {
			slog.Warn("stored wallet connect failed", "error", err)
		}
	}

	e.wg.Add(1)
	go e.pollLoop()
	return nil
}

// Shutdown stops the poll loop, tears down the wallet connection, waits for
// in-flight work and writes a final snapshot.
func (e *Engine) Shutdown() {
	e.closeOnce.Do(func() { close(e.done) })

	// Entry points close before the drain. The bumped generation and nil
	// connection stop callbacks from adding work while wg is being waited on.
	e.mu.Lock()
	e.teardownConnLocked()
	e.gen++
	e.mu.Unlock()

	e.wg.Wait()

	e.setConnected(false)
	e.saveSnapshot()
}

func (e *Engine) pollLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.mu.Lock()
			gen := e.gen
			live := e.conn != nil
			e.mu.Unlock()
			if live {
				e.PollOnce(gen)
			}
		}
	}
}

// SetWalletURI replaces the wallet connection. The old connection and its
// subscription are torn down and the balance baseline reset before the new
// connection is installed; the generation counter makes stale subscription
// callbacks inert. The first poll after connect establishes the new baseline
// and must never be diffed against the old wallet's balance.
func (e *Engine) SetWalletURI(ctx context.Context, uri string) error {
	conn, err := dialWallet(uri)
	if err != nil {
		return err
	}
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("wallet connect: %w", err)
	}
	caps := resolveCaps(conn)

	e.mu.Lock()
	e.teardownConnLocked()
	e.gen++
	gen := e.gen
	e.conn = conn
	e.caps = caps
	e.hasBaseline = false
	e.prevBalance = 0
	e.markers = nil
	e.mu.Unlock()

	if err := conn.SubscribeNotifications(func(raw map[string]any) {
		e.OnNotification(gen, raw)
	}); err != nil {
		slog.Warn("notification subscribe failed", "error", err)
	}

	e.stateMu.Lock()
	e.walletURI = uri
	e.connected = true
	e.stateMu.Unlock()
	slog.Info("wallet connected", "can_list", caps.list != nil)

	e.saveSnapshot()
	e.PollOnce(gen)
	e.goSync()
	return nil
}

// ClearWallet wipes everything: connection, ledger, snapshot. Only the
// explicit user-confirmed clear endpoint calls this.
func (e *Engine) ClearWallet() error {
	e.mu.Lock()
	e.teardownConnLocked()
	e.gen++
	e.hasBaseline = false
	e.prevBalance = 0
	e.markers = nil
	e.mu.Unlock()

	e.stateMu.Lock()
	e.lightningAddress = ""
	e.walletURI = ""
	e.balanceMsats = 0
	e.connected = false
	e.stateMu.Unlock()

	e.store.Clear()
	var err error
	if e.blob != nil {
		err = e.blob.Delete()
	}
	e.emit(WalletEvent{Kind: "status"})
	return err
}

func (e *Engine) teardownConnLocked() {
	if e.conn != nil {
		if err := e.conn.Close(); err != nil {
			slog.Debug("wallet close", "error", err)
		}
		e.conn = nil
		e.caps = connCaps{}
	}
}

// OnNotification is the push-triggered reconciliation entry point. The
// balance fetch comes first regardless of payload content: balance is the
// authority, the notification only supplies metadata. gen tags the callback
// with the connection it came from; stale generations are dropped.
func (e *Engine) OnNotification(gen uint64, raw map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.conn == nil {
		return
	}
	reconcileRunsTotal.Add(1)

	newBalance, ok := e.fetchBalanceLocked()
	if !ok {
		return
	}

	var candidate *LedgerEntry
	if raw != nil {
		candidate = classifyNotification(raw, e.now().UnixMilli())
	}

	var delta int64
	if e.hasBaseline {
		delta = newBalance - e.prevBalance
	}

	switch {
	case candidate != nil:
		if e.hasBaseline && delta != 0 {
			e.overrideFromDeltaLocked(candidate, delta)
		}
		e.store.Append(*candidate)
	case e.hasBaseline && delta != 0:
		// nothing classifiable: fall back to pure delta tracking, same as
		// the poll path. An outgoing delta here is typically our own send
		// settling before the next tick; the marker check absorbs it.
		e.applyDeltaLocked(delta)
	}

	e.finishBalanceLocked(newBalance)
}

// overrideFromDeltaLocked trusts the measured delta over the classified
// direction when magnitudes agree within tolerance. The delta is measured;
// the classification may come from ambiguous vocabulary. Covers the
// self-transfer shape where a credited payment is announced as a debit.
func (e *Engine) overrideFromDeltaLocked(candidate *LedgerEntry, delta int64) {
	deltaDir := DirectionIncoming
	if delta < 0 {
		deltaDir = DirectionOutgoing
	}
	if candidate.Type == deltaDir {
		return
	}
	diff := roundMsatsToSats(delta) - roundMsatsToSats(candidate.AmountMsats)
	if diff < 0 {
		diff = -diff
	}
	if diff > deltaOverrideToleranceSats {
		return
	}
	candidate.Type = deltaDir
	candidate.ID = rewriteDirectionSuffix(candidate.ID, deltaDir)
	deltaOverridesTotal.Add(1)
}

// PollOnce is the timer-triggered entry point: pure delta tracking. Both
// delta signs synthesize entries here, with outgoing deltas checked against
// suppression markers first.
func (e *Engine) PollOnce(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen || e.conn == nil {
		return
	}
	reconcileRunsTotal.Add(1)

	newBalance, ok := e.fetchBalanceLocked()
	if !ok {
		return
	}
	if e.hasBaseline {
		if delta := newBalance - e.prevBalance; delta != 0 {
			e.applyDeltaLocked(delta)
		}
	}
	e.finishBalanceLocked(newBalance)
}

func (e *Engine) applyDeltaLocked(delta int64) {
	now := e.now().UnixMilli()
	if delta < 0 {
		if e.consumeMarkerLocked(-delta) {
			suppressedTotal.Add(1)
			return
		}
		e.store.Append(LedgerEntry{
			ID:          fmt.Sprintf("%d-delta-out-%s", now, randomSuffix()),
			Type:        DirectionOutgoing,
			AmountMsats: -delta,
			CreatedAt:   now,
		})
	} else {
		e.store.Append(LedgerEntry{
			ID:          fmt.Sprintf("%d-delta-in-%s", now, randomSuffix()),
			Type:        DirectionIncoming,
			AmountMsats: delta,
			CreatedAt:   now,
		})
	}
	deltaInferredTotal.Add(1)
}

// fetchBalanceLocked reads the wallet balance under the reconciliation lock.
// Failure leaves the baseline untouched and only flips the connection flag.
func (e *Engine) fetchBalanceLocked() (int64, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), balanceFetchTimeout)
	defer cancel()
	balance, err := e.conn.GetBalance(ctx)
	if err != nil {
		balanceFetchFailuresTotal.Add(1)
		slog.Warn("balance fetch failed", "error", err)
		e.setConnected(false)
		return 0, false
	}
	return balance, true
}

// finishBalanceLocked commits the fetched balance: baseline advances, wallet
// state updates, expired markers drop. Runs on every successful fetch
// regardless of what the delta produced.
func (e *Engine) finishBalanceLocked(newBalance int64) {
	e.prevBalance = newBalance
	e.hasBaseline = true
	e.pruneMarkersLocked()

	e.stateMu.Lock()
	changed := e.balanceMsats != newBalance || !e.connected
	e.balanceMsats = newBalance
	e.connected = true
	e.stateMu.Unlock()
	if changed {
		e.emit(WalletEvent{Kind: "balance"})
	}
}

func (e *Engine) armMarkerLocked(amountMsats int64) {
	e.markers = append(e.markers, sendMarker{amountMsats: amountMsats, armedAt: e.now()})
}

func (e *Engine) pruneMarkersLocked() {
	cutoff := e.now().Add(-suppressionWindow)
	live := e.markers[:0]
	for _, m := range e.markers {
		if m.armedAt.After(cutoff) {
			live = append(live, m)
		}
	}
	e.markers = live
}

// consumeMarkerLocked matches an outgoing delta magnitude against the armed
// markers. A hit consumes the marker so one optimistic send suppresses at
// most one polled delta.
func (e *Engine) consumeMarkerLocked(outMsats int64) bool {
	e.pruneMarkersLocked()
	outSats := roundMsatsToSats(outMsats)
	for i, m := range e.markers {
		diff := roundMsatsToSats(m.amountMsats) - outSats
		if diff < 0 {
			diff = -diff
		}
		if diff <= suppressionToleranceSats {
			e.markers = append(e.markers[:i], e.markers[i+1:]...)
			return true
		}
	}
	return false
}

// handleInsert runs after every ledger insert, outside the store lock:
// snapshot, live feed, best-effort remote upsert.
func (e *Engine) handleInsert(entry LedgerEntry) {
	e.saveSnapshot()
	e.emit(WalletEvent{Kind: "transaction", Entry: &entry})
	if !entry.Persisted && e.remote != nil && e.AuthToken() != "" {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.persistRemote(entry)
		}()
	}
}

// persistRemote mirrors one entry to the remote transaction log. Failure is
// swallowed; the next sync run closes the gap.
func (e *Engine) persistRemote(entry LedgerEntry) {
	token := e.AuthToken()
	if e.remote == nil || token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.remote.Upsert(ctx, token, entry); err != nil {
		persistFailuresTotal.Add(1)
		slog.Warn("remote upsert failed", "id", entry.ID, "error", err)
		return
	}
	if e.store.MarkPersisted(entry.ID) {
		e.saveSnapshot()
	}
}

// saveSnapshot writes the whole document: wallet config plus ledger. Failure
// is swallowed; the in-memory ledger stays authoritative for the session.
func (e *Engine) saveSnapshot() {
	if e.blob == nil {
		return
	}
	e.stateMu.RLock()
	snap := walletSnapshot{WalletState: WalletState{
		LightningAddress: e.lightningAddress,
		WalletURI:        e.walletURI,
		BalanceMsats:     e.balanceMsats,
	}}
	e.stateMu.RUnlock()
	snap.Transactions = e.store.Entries()

	data, err := json.Marshal(snap)
	if err == nil {
		err = e.blob.Save(data)
	}
	if err != nil {
		persistFailuresTotal.Add(1)
		slog.Warn("snapshot write failed", "error", err)
	}
}

func (e *Engine) setConnected(v bool) {
	e.stateMu.Lock()
	changed := e.connected != v
	e.connected = v
	e.stateMu.Unlock()
	if changed {
		e.emit(WalletEvent{Kind: "status"})
	}
}

// emit fills in the current balance/connection fields and hands the event to
// the live feed, if one is attached.
func (e *Engine) emit(ev WalletEvent) {
	e.stateMu.RLock()
	ev.BalanceMsats = e.balanceMsats
	ev.Connected = e.connected
	notify := e.notify
	e.stateMu.RUnlock()
	if notify != nil {
		notify(ev)
	}
}

func (e *Engine) goSync() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.SyncTransactions(context.Background()); err != nil {
			slog.Warn("transaction sync failed", "error", err)
		}
	}()
}

// --- accessors ---

// State returns the wallet header state. The wallet URI is included; handlers
// decide what to expose.
func (e *Engine) State() WalletState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return WalletState{
		LightningAddress: e.lightningAddress,
		WalletURI:        e.walletURI,
		BalanceMsats:     e.balanceMsats,
	}
}

func (e *Engine) Connected() bool {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.connected
}

func (e *Engine) AuthToken() string {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.authToken
}

// SetAuthToken stores the session token and kicks off a sync: locally-held
// unpersisted entries can now be backfilled to the remote log.
func (e *Engine) SetAuthToken(token string) {
	e.stateMu.Lock()
	changed := e.authToken != token
	e.authToken = token
	e.stateMu.Unlock()
	if changed && token != "" {
		e.goSync()
	}
}

func (e *Engine) SetLightningAddress(address string) {
	e.stateMu.Lock()
	e.lightningAddress = address
	e.stateMu.Unlock()
	e.saveSnapshot()
}

// Transactions returns up to limit ledger entries, newest first.
func (e *Engine) Transactions(limit int) []LedgerEntry {
	entries := e.store.Entries()
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

func (e *Engine) currentGen() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen
}
