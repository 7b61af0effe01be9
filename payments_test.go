package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeConn is a scriptable wallet connection for exercising the payment
// paths the simulator always succeeds on.
type fakeConn struct {
	mu            sync.Mutex
	balance       int64
	payResult     map[string]any
	payErr        error
	paid          []PayParams
	invoiceResult map[string]any
	invoiceErr    error
}

func (c *fakeConn) Connect(ctx context.Context) error { return nil }
func (c *fakeConn) Close() error                      { return nil }

func (c *fakeConn) GetBalance(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance, nil
}

func (c *fakeConn) SubscribeNotifications(cb func(raw map[string]any)) error { return nil }

func (c *fakeConn) PayInvoice(ctx context.Context, p PayParams) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payErr != nil {
		return nil, c.payErr
	}
	c.paid = append(c.paid, p)
	return c.payResult, nil
}

func (c *fakeConn) MakeInvoice(ctx context.Context, p InvoiceParams) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invoiceResult, c.invoiceErr
}

// attachConn swaps in a connection directly, the way SetWalletURI would.
func attachConn(e *Engine, conn WalletConn) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownConnLocked()
	e.gen++
	e.conn = conn
	e.caps = resolveCaps(conn)
	e.hasBaseline = false
	e.prevBalance = 0
	e.markers = nil
	return e.gen
}

func TestSendPaymentOptimisticEntry(t *testing.T) {
	decoder := func(invoice string) (*DecodedInvoice, error) {
		return &DecodedInvoice{AmountMsats: 2100, PaymentHash: "ph1", Description: "decoded"}, nil
	}
	e := NewEngine(EngineConfig{DecodeInvoice: decoder, PollInterval: time.Hour})
	t.Cleanup(e.Shutdown)
	conn := &fakeConn{balance: 1_000_000, payResult: map[string]any{}}
	attachConn(e, conn)

	// result without a preimage field is still success
	result, err := e.SendPayment(context.Background(), "lnbc-test", 0)
	if err != nil {
		t.Fatalf("SendPayment: %v", err)
	}
	if result == nil {
		t.Fatal("expected a result")
	}
	if result.Preimage != "" {
		t.Errorf("preimage = %q, want empty", result.Preimage)
	}

	entries := e.store.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	got := entries[0]
	if got.ID != "ph1-outgoing" || got.Type != DirectionOutgoing || got.AmountMsats != 2100 {
		t.Errorf("optimistic entry = %+v", got)
	}
	if got.Description != "decoded" {
		t.Errorf("description = %q", got.Description)
	}

	e.mu.Lock()
	markers := len(e.markers)
	e.mu.Unlock()
	if markers != 1 {
		t.Errorf("markers = %d, want 1", markers)
	}
}

func TestSendPaymentPreimageExtracted(t *testing.T) {
	e := NewEngine(EngineConfig{PollInterval: time.Hour})
	t.Cleanup(e.Shutdown)
	attachConn(e, &fakeConn{
		balance:   1_000_000,
		payResult: map[string]any{"result": map[string]any{"preimage": "deadbeef"}},
	})

	result, err := e.SendPayment(context.Background(), "lnbc-test", 100)
	if err != nil {
		t.Fatalf("SendPayment: %v", err)
	}
	if result.Preimage != "deadbeef" {
		t.Errorf("preimage = %q", result.Preimage)
	}
}

func TestSendPaymentFailureNoEntry(t *testing.T) {
	e := NewEngine(EngineConfig{PollInterval: time.Hour})
	t.Cleanup(e.Shutdown)
	attachConn(e, &fakeConn{balance: 1_000_000, payErr: errors.New("route not found")})

	if _, err := e.SendPayment(context.Background(), "lnbc-test", 100); err == nil {
		t.Fatal("expected error")
	}
	if e.store.Len() != 0 {
		t.Error("failed payment left an optimistic entry")
	}
	e.mu.Lock()
	markers := len(e.markers)
	e.mu.Unlock()
	if markers != 0 {
		t.Error("failed payment armed a marker")
	}
}

func TestSendPaymentValidation(t *testing.T) {
	e := NewEngine(EngineConfig{PollInterval: time.Hour})
	t.Cleanup(e.Shutdown)

	if _, err := e.SendPayment(context.Background(), "", 0); err == nil {
		t.Error("empty request accepted")
	}
	if _, err := e.SendPayment(context.Background(), "lnbc1", -5); err == nil {
		t.Error("negative amount accepted")
	}
	if _, err := e.SendPayment(context.Background(), "lnbc1", 100); err == nil {
		t.Error("send without a connection accepted")
	} else if !strings.Contains(err.Error(), "not connected") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSendToLightningAddress(t *testing.T) {
	e := NewEngine(EngineConfig{
		PollInterval: time.Hour,
		ResolvePayInfo: func(ctx context.Context, address string) (*LNURLPayInfo, error) {
			if address != "bob@example.com" {
				t.Errorf("resolved %q", address)
			}
			return &LNURLPayInfo{
				Callback:    "https://example.com/cb",
				MinSendable: 1000,
				MaxSendable: 100_000_000,
				Tag:         "payRequest",
			}, nil
		},
		RequestInvoice: func(ctx context.Context, info *LNURLPayInfo, amountMsats int64) (string, error) {
			if amountMsats != 500_000 {
				t.Errorf("requested %d msats", amountMsats)
			}
			return "lnbc-resolved", nil
		},
	})
	t.Cleanup(e.Shutdown)
	conn := &fakeConn{balance: 1_000_000, payResult: map[string]any{"preimage": "p"}}
	attachConn(e, conn)

	if _, err := e.SendPayment(context.Background(), "bob@example.com", 500); err != nil {
		t.Fatalf("SendPayment: %v", err)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.paid) != 1 || conn.paid[0].Invoice != "lnbc-resolved" {
		t.Errorf("paid = %+v", conn.paid)
	}
}

func TestLightningAddressAmountChecks(t *testing.T) {
	e := NewEngine(EngineConfig{
		PollInterval: time.Hour,
		ResolvePayInfo: func(ctx context.Context, address string) (*LNURLPayInfo, error) {
			return &LNURLPayInfo{Callback: "https://x", MinSendable: 1_000_000, MaxSendable: 2_000_000}, nil
		},
	})
	t.Cleanup(e.Shutdown)
	attachConn(e, &fakeConn{balance: 1_000_000})

	if _, err := e.SendPayment(context.Background(), "bob@example.com", 0); err == nil {
		t.Error("address send without amount accepted")
	}
	if _, err := e.SendPayment(context.Background(), "bob@example.com", 10_000); err == nil {
		t.Error("amount above maxSendable accepted")
	}
}

func TestCreateInvoice(t *testing.T) {
	t.Run("validation before network", func(t *testing.T) {
		e := NewEngine(EngineConfig{PollInterval: time.Hour})
		t.Cleanup(e.Shutdown)
		if _, err := e.CreateInvoice(context.Background(), 0, ""); err == nil {
			t.Error("zero amount accepted")
		}
		if _, err := e.CreateInvoice(context.Background(), 100, ""); err == nil {
			t.Error("invoice without a connection accepted")
		}
	})

	t.Run("invoice extracted", func(t *testing.T) {
		e := NewEngine(EngineConfig{PollInterval: time.Hour})
		t.Cleanup(e.Shutdown)
		attachConn(e, &fakeConn{invoiceResult: map[string]any{"paymentRequest": "lnbc-made"}})
		invoice, err := e.CreateInvoice(context.Background(), 21, "zap")
		if err != nil {
			t.Fatalf("CreateInvoice: %v", err)
		}
		if invoice != "lnbc-made" {
			t.Errorf("invoice = %q", invoice)
		}
	})

	t.Run("missing invoice field fails", func(t *testing.T) {
		e := NewEngine(EngineConfig{PollInterval: time.Hour})
		t.Cleanup(e.Shutdown)
		attachConn(e, &fakeConn{invoiceResult: map[string]any{"ok": true}})
		if _, err := e.CreateInvoice(context.Background(), 21, ""); err == nil {
			t.Error("missing invoice field accepted")
		}
	})
}

func TestSendThenPollSuppressesDouble(t *testing.T) {
	decoder := func(invoice string) (*DecodedInvoice, error) {
		return &DecodedInvoice{AmountMsats: 500_000, PaymentHash: "sendhash"}, nil
	}
	e, sim := newTestEngine(t, EngineConfig{DecodeInvoice: decoder})
	gen := e.currentGen()
	sim.setHoldSettlement(true)

	if _, err := e.SendPayment(context.Background(), "lnbc-held", 500); err != nil {
		t.Fatalf("SendPayment: %v", err)
	}
	if got := e.store.Len(); got != 1 {
		t.Fatalf("entries after send = %d, want 1", got)
	}

	// node settles: balance drops by the same 500 sats the optimistic entry
	// already booked
	sim.settlePending()
	e.PollOnce(gen)
	if got := e.store.Len(); got != 1 {
		t.Errorf("entries after settle poll = %d, want 1", got)
	}
	if sum := signedSum(e.store.Entries()); sum != -500_000 {
		t.Errorf("signed sum = %d, want -500000", sum)
	}
}
