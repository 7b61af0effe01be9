package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Payment and invoice operations. These call the wallet through the
// capability strategies bound at connect time and feed the reconciler: a
// successful send appends an optimistic outgoing entry and arms a suppression
// marker so the balance poll does not book the same payment twice.

// PaymentResult is what a successful send returns to the caller. Preimage may
// be empty: some wallets omit it and absence is not failure.
type PaymentResult struct {
	Preimage string         `json:"preimage,omitempty"`
	Raw      map[string]any `json:"-"`
}

// SendPayment pays a BOLT11 invoice or a lightning address. amountSats is
// required for addresses and amountless invoices, ignored when the invoice
// carries its own amount.
func (e *Engine) SendPayment(ctx context.Context, request string, amountSats int64) (*PaymentResult, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, errors.New("payment request is empty")
	}
	if amountSats < 0 {
		return nil, errors.New("amount cannot be negative")
	}

	invoice := request
	if strings.Contains(request, "@") {
		var err error
		invoice, err = e.resolveAddressInvoice(ctx, request, amountSats)
		if err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	gen := e.gen
	pay := e.caps.pay
	e.mu.Unlock()
	if pay == nil {
		return nil, errors.New("wallet not connected")
	}

	params := PayParams{Invoice: invoice}
	if amountSats > 0 {
		params.AmountMsats = amountSats * msatsPerSat
	}

	// the pay call runs outside the reconciliation lock; it can take as long
	// as the payment takes to route
	raw, err := pay(ctx, params)
	if err != nil {
		paymentFailuresTotal.Add(1)
		return nil, fmt.Errorf("payment failed: %w", err)
	}
	paymentsTotal.Add(1)

	e.recordOptimisticSend(invoice, params.AmountMsats)
	e.OnNotification(gen, nil)

	return &PaymentResult{Preimage: preimageFromResult(raw), Raw: raw}, nil
}

// resolveAddressInvoice turns user@domain plus an amount into a BOLT11
// invoice via LNURL-pay. Range errors surface before any payment is
// attempted.
func (e *Engine) resolveAddressInvoice(ctx context.Context, address string, amountSats int64) (string, error) {
	if amountSats <= 0 {
		return "", errors.New("amount is required when paying a lightning address")
	}
	info, err := e.resolvePayInfo(ctx, address)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", address, err)
	}
	amountMsats := amountSats * msatsPerSat
	if amountMsats < info.MinSendable || amountMsats > info.MaxSendable {
		return "", fmt.Errorf("amount %d sats outside allowed range %d-%d sats",
			amountSats, info.MinSendable/msatsPerSat, info.MaxSendable/msatsPerSat)
	}
	invoice, err := e.requestInvoice(ctx, info, amountMsats)
	if err != nil {
		return "", fmt.Errorf("request invoice from %s: %w", address, err)
	}
	return invoice, nil
}

// recordOptimisticSend appends the outgoing entry for a payment that just
// succeeded and arms its suppression marker. The amount comes from the
// explicit override or the decoded invoice; with neither, nothing is recorded
// and the balance poll will pick the payment up as a plain delta.
func (e *Engine) recordOptimisticSend(invoice string, amountMsats int64) {
	var description, paymentHash string
	if e.decodeInvoice != nil {
		if dec, err := e.decodeInvoice(invoice); err == nil {
			if amountMsats <= 0 {
				amountMsats = dec.AmountMsats
			}
			description = dec.Description
			paymentHash = dec.PaymentHash
		} else {
			slog.Debug("invoice decode failed", "error", err)
		}
	}
	if amountMsats <= 0 {
		return
	}

	now := e.now().UnixMilli()
	id := fmt.Sprintf("%d-%s", now, randomSuffix())
	if paymentHash != "" {
		id = paymentHash + "-" + string(DirectionOutgoing)
	}

	e.mu.Lock()
	e.armMarkerLocked(amountMsats)
	e.mu.Unlock()

	e.store.Append(LedgerEntry{
		ID:          id,
		Type:        DirectionOutgoing,
		AmountMsats: amountMsats,
		CreatedAt:   now,
		Description: description,
	})
}

// CreateInvoice asks the wallet for a BOLT11 invoice for the given amount.
func (e *Engine) CreateInvoice(ctx context.Context, amountSats int64, description string) (string, error) {
	if amountSats <= 0 {
		return "", errors.New("amount must be greater than zero")
	}

	e.mu.Lock()
	mk := e.caps.mk
	e.mu.Unlock()
	if mk == nil {
		return "", errors.New("wallet not connected")
	}

	raw, err := mk(ctx, InvoiceParams{
		AmountMsats: amountSats * msatsPerSat,
		Description: description,
	})
	if err != nil {
		return "", fmt.Errorf("make invoice failed: %w", err)
	}
	invoice := invoiceFromResult(raw)
	if invoice == "" {
		return "", errors.New("wallet returned no invoice")
	}
	invoicesTotal.Add(1)
	return invoice, nil
}

// payTimeout bounds handler-initiated payments; routing can legitimately take
// a while.
const payTimeout = 60 * time.Second
