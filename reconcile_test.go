package main

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

const testWalletURI = "simulated://wallet?balance=100000000"

func newTestEngine(t *testing.T, cfg EngineConfig) (*Engine, *simWallet) {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	e := NewEngine(cfg)
	if err := e.SetWalletURI(context.Background(), testWalletURI); err != nil {
		t.Fatalf("SetWalletURI: %v", err)
	}
	t.Cleanup(e.Shutdown)

	e.mu.Lock()
	sim := e.conn.(*simWallet)
	e.mu.Unlock()
	return e, sim
}

func signedSum(entries []LedgerEntry) int64 {
	var sum int64
	for _, e := range entries {
		if e.Type == DirectionIncoming {
			sum += e.AmountMsats
		} else {
			sum -= e.AmountMsats
		}
	}
	return sum
}

func TestFirstPollEstablishesBaseline(t *testing.T) {
	e, _ := newTestEngine(t, EngineConfig{})
	if got := e.store.Len(); got != 0 {
		t.Errorf("baseline poll created %d entries", got)
	}
	if got := e.State().BalanceMsats; got != 100_000_000 {
		t.Errorf("balance = %d", got)
	}
	if !e.Connected() {
		t.Error("expected connected after successful poll")
	}
}

func TestPollDeltaBothDirections(t *testing.T) {
	e, sim := newTestEngine(t, EngineConfig{})
	gen := e.currentGen()

	sim.setBalance(105_000_000)
	e.PollOnce(gen)
	sim.setBalance(103_000_000)
	e.PollOnce(gen)

	entries := e.store.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if sum := signedSum(entries); sum != 3_000_000 {
		t.Errorf("signed sum = %d, want 3000000", sum)
	}
	var in, out bool
	for _, en := range entries {
		switch en.Type {
		case DirectionIncoming:
			in = en.AmountMsats == 5_000_000
		case DirectionOutgoing:
			out = en.AmountMsats == 2_000_000
		}
	}
	if !in || !out {
		t.Errorf("got %+v", entries)
	}
}

func TestDeltaSumMatchesBalanceDrift(t *testing.T) {
	e, sim := newTestEngine(t, EngineConfig{})
	gen := e.currentGen()

	balances := []int64{101_500_000, 99_000_000, 99_000_000, 120_000_000, 119_999_000}
	for _, b := range balances {
		sim.setBalance(b)
		e.PollOnce(gen)
	}
	want := balances[len(balances)-1] - 100_000_000
	if sum := signedSum(e.store.Entries()); sum != want {
		t.Errorf("signed delta sum = %d, want %d", sum, want)
	}
	if got := e.State().BalanceMsats; got != balances[len(balances)-1] {
		t.Errorf("balance = %d", got)
	}
}

func TestNotificationClassifiedEntry(t *testing.T) {
	e, sim := newTestEngine(t, EngineConfig{})
	gen := e.currentGen()

	sim.setBalance(100_021_000)
	e.OnNotification(gen, map[string]any{
		"notification_type": "payment_received",
		"notification": map[string]any{
			"type":         "incoming",
			"amount":       float64(21000),
			"payment_hash": "hashA",
		},
	})

	entries := e.store.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].ID != "hashA-incoming" || entries[0].AmountMsats != 21000 {
		t.Errorf("got %+v", entries[0])
	}
	if e.State().BalanceMsats != 100_021_000 {
		t.Errorf("balance = %d", e.State().BalanceMsats)
	}
}

func TestDeltaOverridesClassifiedDirection(t *testing.T) {
	e, sim := newTestEngine(t, EngineConfig{})
	gen := e.currentGen()

	// wallet announces a debit but the balance went up by the same amount
	sim.setBalance(101_000_000)
	e.OnNotification(gen, map[string]any{
		"type":         "outgoing",
		"amount":       float64(1_000_000),
		"payment_hash": "selfpay",
	})

	entries := e.store.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Type != DirectionIncoming {
		t.Errorf("direction = %s, want incoming", entries[0].Type)
	}
	if entries[0].ID != "selfpay-incoming" {
		t.Errorf("id suffix not regenerated: %q", entries[0].ID)
	}
}

func TestOverrideRequiresMagnitudeAgreement(t *testing.T) {
	e, sim := newTestEngine(t, EngineConfig{})
	gen := e.currentGen()

	// delta +10000 sats, candidate 500 sats outgoing: magnitudes disagree,
	// classification stands
	sim.setBalance(110_000_000)
	e.OnNotification(gen, map[string]any{
		"type":         "outgoing",
		"amount":       float64(500_000),
		"payment_hash": "unrelated",
	})

	entries := e.store.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Type != DirectionOutgoing {
		t.Errorf("direction = %s, want outgoing", entries[0].Type)
	}
}

func TestNotificationInfersDeltaBothDirections(t *testing.T) {
	e, sim := newTestEngine(t, EngineConfig{})
	gen := e.currentGen()

	sim.setBalance(103_000_000)
	e.OnNotification(gen, nil)
	entries := e.store.Entries()
	if len(entries) != 1 || entries[0].Type != DirectionIncoming || entries[0].AmountMsats != 3_000_000 {
		t.Fatalf("positive inference: got %+v", entries)
	}

	// an opaque payload over a balance drop books the outgoing movement too;
	// the signed entry sum must track the full drift
	sim.setBalance(102_000_000)
	e.OnNotification(gen, map[string]any{"weird": "payload"})
	entries = e.store.Entries()
	if len(entries) != 2 {
		t.Fatalf("negative inference: got %+v", entries)
	}
	if sum := signedSum(entries); sum != 2_000_000 {
		t.Errorf("signed sum = %d, want 2000000", sum)
	}

	// baseline advanced: the poll sees nothing new
	e.PollOnce(gen)
	if got := e.store.Len(); got != 2 {
		t.Errorf("%d entries after poll, want 2", got)
	}
}

func TestNotificationDeltaConsumesMarker(t *testing.T) {
	e, sim := newTestEngine(t, EngineConfig{})
	gen := e.currentGen()

	e.mu.Lock()
	e.armMarkerLocked(500_000)
	e.mu.Unlock()

	// settlement lands before the next poll tick: the refresh both
	// suppresses the delta and spends the marker
	sim.setBalance(99_500_000)
	e.OnNotification(gen, nil)
	if got := e.store.Len(); got != 0 {
		t.Fatalf("suppressed delta produced %d entries", got)
	}
	e.mu.Lock()
	markers := len(e.markers)
	e.mu.Unlock()
	if markers != 0 {
		t.Fatal("marker survived its settled send")
	}

	// a later unrelated debit of similar size books normally
	sim.setBalance(99_000_000)
	e.PollOnce(gen)
	if got := e.store.Len(); got != 1 {
		t.Errorf("unrelated delta suppressed: %d entries", got)
	}
}

func TestStaleGenerationDropped(t *testing.T) {
	e, sim := newTestEngine(t, EngineConfig{})
	stale := e.currentGen()

	if err := e.SetWalletURI(context.Background(), testWalletURI); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	sim.setBalance(150_000_000) // old connection's wallet
	e.OnNotification(stale, map[string]any{
		"type": "incoming", "amount": float64(50_000_000), "payment_hash": "ghost",
	})
	e.PollOnce(stale)

	if got := e.store.Len(); got != 0 {
		t.Errorf("stale callbacks produced %d entries", got)
	}
}

func TestReconnectResetsBaseline(t *testing.T) {
	e, _ := newTestEngine(t, EngineConfig{})

	// new wallet with a very different balance: the first read is a fresh
	// baseline, not a delta against the old wallet
	if err := e.SetWalletURI(context.Background(), "simulated://wallet?balance=5000000"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := e.store.Len(); got != 0 {
		t.Errorf("reconnect produced %d entries", got)
	}
	if got := e.State().BalanceMsats; got != 5_000_000 {
		t.Errorf("balance = %d", got)
	}
}

func TestBalanceFetchFailureMarksDisconnected(t *testing.T) {
	e, sim := newTestEngine(t, EngineConfig{})
	gen := e.currentGen()

	sim.setFailBalance(true)
	e.PollOnce(gen)
	if e.Connected() {
		t.Error("expected disconnected after fetch failure")
	}
	if got := e.State().BalanceMsats; got != 100_000_000 {
		t.Errorf("balance mutated on failure: %d", got)
	}

	sim.setFailBalance(false)
	sim.setBalance(100_000_000)
	e.PollOnce(gen)
	if !e.Connected() {
		t.Error("expected reconnected after successful fetch")
	}
	if got := e.store.Len(); got != 0 {
		t.Errorf("recovery produced %d entries", got)
	}
}

func TestSuppressionMarkerConsumedOnce(t *testing.T) {
	e, sim := newTestEngine(t, EngineConfig{})
	gen := e.currentGen()

	e.mu.Lock()
	e.armMarkerLocked(500_000) // 500 sats
	e.mu.Unlock()

	sim.setBalance(99_500_000)
	e.PollOnce(gen)
	if got := e.store.Len(); got != 0 {
		t.Fatalf("suppressed delta still produced %d entries", got)
	}

	// same delta again: the marker is spent, this one books
	sim.setBalance(99_000_000)
	e.PollOnce(gen)
	if got := e.store.Len(); got != 1 {
		t.Errorf("second delta produced %d entries, want 1", got)
	}
}

func TestSuppressionMarkerExpires(t *testing.T) {
	e, sim := newTestEngine(t, EngineConfig{})
	gen := e.currentGen()

	base := time.Now()
	e.now = func() time.Time { return base }
	e.mu.Lock()
	e.armMarkerLocked(500_000)
	e.mu.Unlock()

	e.now = func() time.Time { return base.Add(suppressionWindow + time.Second) }
	sim.setBalance(99_500_000)
	e.PollOnce(gen)
	if got := e.store.Len(); got != 1 {
		t.Errorf("expired marker still suppressed: %d entries", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	blob, err := NewFileBlobStore(path, "")
	if err != nil {
		t.Fatal(err)
	}

	e1, sim := newTestEngine(t, EngineConfig{Blob: blob})
	sim.setBalance(102_500_000)
	e1.PollOnce(e1.currentGen())
	e1.SetLightningAddress("alice@example.com")
	e1.Shutdown()

	e2 := NewEngine(EngineConfig{Blob: blob, PollInterval: time.Hour})
	if err := e2.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(e2.Shutdown)

	state := e2.State()
	if state.LightningAddress != "alice@example.com" {
		t.Errorf("lightningAddress = %q", state.LightningAddress)
	}
	if state.WalletURI != testWalletURI {
		t.Errorf("walletURI = %q", state.WalletURI)
	}
	entries := e2.store.Entries()
	if len(entries) != 1 || entries[0].AmountMsats != 2_500_000 {
		t.Errorf("restored entries = %+v", entries)
	}
}

func TestShutdownDuringNotificationBurst(t *testing.T) {
	_, srv := newFakeRemoteLog()
	defer srv.Close()

	e, sim := newTestEngine(t, EngineConfig{Remote: NewRemoteLogClient(srv.URL)})
	setAuthTokenQuiet(e, "tok")
	gen := e.currentGen()

	// inserts spawn remote upserts; shutdown must fence new work off before
	// it starts waiting for the drain
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			sim.setBalance(100_000_000 + int64(i+1)*1000)
			e.OnNotification(gen, map[string]any{
				"type":         "incoming",
				"amount":       float64(1000),
				"payment_hash": fmt.Sprintf("burst%d", i),
			})
		}
	}()
	e.Shutdown()
	<-done

	booked := e.store.Len()
	e.OnNotification(gen, map[string]any{
		"type": "incoming", "amount": float64(1000), "payment_hash": "late",
	})
	if got := e.store.Len(); got != booked {
		t.Errorf("entry booked after shutdown: %d -> %d", booked, got)
	}
}

func TestClearWalletWipesEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	blob, err := NewFileBlobStore(path, "")
	if err != nil {
		t.Fatal(err)
	}

	e, sim := newTestEngine(t, EngineConfig{Blob: blob})
	sim.setBalance(101_000_000)
	e.PollOnce(e.currentGen())

	if err := e.ClearWallet(); err != nil {
		t.Fatalf("ClearWallet: %v", err)
	}
	if e.store.Len() != 0 {
		t.Error("ledger not cleared")
	}
	state := e.State()
	if state.WalletURI != "" || state.BalanceMsats != 0 {
		t.Errorf("state not cleared: %+v", state)
	}
	if _, ok, _ := blob.Load(); ok {
		t.Error("snapshot not deleted")
	}
}
