package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Simulated wallet transport behind the simulated:// scheme. Lets the daemon
// and its tests run without a live wallet node: it keeps an in-memory
// balance, settles payments instantly (or on demand) and emits the same
// notification shapes a real wallet would.
//
// URI form: simulated://wallet?balance=<msats>

func init() {
	RegisterConnFactory("simulated", func(uri string) (WalletConn, error) {
		return newSimWallet(uri)
	})
}

const defaultSimBalanceMsats = 100_000_000 // 100k sats

type simWallet struct {
	mu           sync.Mutex
	connected    bool
	balanceMsats int64
	history      []map[string]any
	subs         []func(map[string]any)

	invoiceSeq     int
	invoiceAmounts map[string]int64 // pending invoice -> msats

	// test hooks
	failBalance    bool    // GetBalance returns an error
	holdSettlement bool    // payments debit only once settlePending is called
	pendingDebits  []int64 // held debits in msats
}

func newSimWallet(uri string) (*simWallet, error) {
	w := &simWallet{
		balanceMsats:   defaultSimBalanceMsats,
		invoiceAmounts: make(map[string]int64),
	}
	if i := strings.Index(uri, "?"); i >= 0 {
		q, err := url.ParseQuery(uri[i+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid simulated wallet URI: %v", err)
		}
		if v := q.Get("balance"); v != "" {
			b, err := strconv.ParseInt(v, 10, 64)
			if err != nil || b < 0 {
				return nil, errors.New("invalid simulated wallet balance")
			}
			w.balanceMsats = b
		}
	}
	return w, nil
}

func (w *simWallet) Connect(ctx context.Context) error {
	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	return nil
}

func (w *simWallet) Close() error {
	w.mu.Lock()
	w.connected = false
	w.subs = nil
	w.mu.Unlock()
	return nil
}

func (w *simWallet) GetBalance(ctx context.Context) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return 0, errors.New("simulated wallet not connected")
	}
	if w.failBalance {
		return 0, errors.New("simulated balance failure")
	}
	return w.balanceMsats, nil
}

func (w *simWallet) SubscribeNotifications(cb func(raw map[string]any)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return errors.New("simulated wallet not connected")
	}
	w.subs = append(w.subs, cb)
	return nil
}

// PayInvoice implements the parameter-object pay shape.
func (w *simWallet) PayInvoice(ctx context.Context, p PayParams) (map[string]any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return nil, errors.New("simulated wallet not connected")
	}
	amount := p.AmountMsats
	if amount <= 0 {
		amount = w.invoiceAmounts[p.Invoice]
	}
	if amount <= 0 {
		return nil, errors.New("cannot determine invoice amount")
	}
	if amount > w.balanceMsats {
		return nil, errors.New("INSUFFICIENT_BALANCE")
	}
	if w.holdSettlement {
		w.pendingDebits = append(w.pendingDebits, amount)
	} else {
		w.balanceMsats -= amount
	}
	w.invoiceSeq++
	hash := fmt.Sprintf("simhash%06d", w.invoiceSeq)
	w.history = append(w.history, map[string]any{
		"type":         "outgoing",
		"amount":       float64(amount),
		"payment_hash": hash,
		"created_at":   float64(time.Now().Unix()),
	})
	return map[string]any{
		"preimage":     "simpreimage" + hash,
		"payment_hash": hash,
	}, nil
}

// MakeInvoice implements the invoice-maker shape. The returned invoice is a
// placeholder string the simulator itself can settle.
func (w *simWallet) MakeInvoice(ctx context.Context, p InvoiceParams) (map[string]any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return nil, errors.New("simulated wallet not connected")
	}
	if p.AmountMsats <= 0 {
		return nil, errors.New("amount must be positive")
	}
	w.invoiceSeq++
	invoice := fmt.Sprintf("lnbcsim%d", w.invoiceSeq)
	w.invoiceAmounts[invoice] = p.AmountMsats
	return map[string]any{"invoice": invoice}, nil
}

// ListTransactions implements the lister shape.
func (w *simWallet) ListTransactions(ctx context.Context, limit int) ([]map[string]any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return nil, errors.New("simulated wallet not connected")
	}
	n := len(w.history)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]map[string]any, 0, n)
	for i := len(w.history) - 1; i >= 0 && len(out) < n; i-- {
		rec := make(map[string]any, len(w.history[i]))
		for k, v := range w.history[i] {
			rec[k] = v
		}
		out = append(out, rec)
	}
	return out, nil
}

// Receive credits the simulated wallet and pushes a payment_received
// notification, mimicking an external payer settling one of our invoices.
func (w *simWallet) Receive(amountMsats int64, description string) {
	w.mu.Lock()
	w.balanceMsats += amountMsats
	w.invoiceSeq++
	hash := fmt.Sprintf("simhash%06d", w.invoiceSeq)
	rec := map[string]any{
		"type":         "incoming",
		"amount":       float64(amountMsats),
		"payment_hash": hash,
		"created_at":   float64(time.Now().Unix()),
	}
	if description != "" {
		rec["description"] = description
	}
	w.history = append(w.history, rec)
	subs := append([]func(map[string]any){}, w.subs...)
	w.mu.Unlock()

	raw := map[string]any{
		"notification_type": "payment_received",
		"notification":      rec,
	}
	for _, cb := range subs {
		go cb(raw)
	}
}

// setBalance overrides the balance without recording history, for exercising
// delta detection of movements the wallet never announced.
func (w *simWallet) setBalance(msats int64) {
	w.mu.Lock()
	w.balanceMsats = msats
	w.mu.Unlock()
}

func (w *simWallet) setFailBalance(v bool) {
	w.mu.Lock()
	w.failBalance = v
	w.mu.Unlock()
}

func (w *simWallet) setHoldSettlement(v bool) {
	w.mu.Lock()
	w.holdSettlement = v
	w.mu.Unlock()
}

// settlePending applies held payment debits to the balance.
func (w *simWallet) settlePending() {
	w.mu.Lock()
	for _, d := range w.pendingDebits {
		w.balanceMsats -= d
	}
	w.pendingDebits = nil
	w.mu.Unlock()
}
