package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Boundary to the user's wallet node. The engine only ever sees WalletConn
// plus the optional capability interfaces below; the NIP-47 relay transport
// and its cryptography live behind a registered factory and are not part of
// this repo.

// WalletConn is the minimum surface every wallet transport provides.
type WalletConn interface {
	Connect(ctx context.Context) error
	// GetBalance returns the wallet balance in millisatoshis.
	GetBalance(ctx context.Context) (int64, error)
	// SubscribeNotifications registers a callback for wallet pushes. The raw
	// payload shape varies per wallet; classification handles the variance.
	SubscribeNotifications(cb func(raw map[string]any)) error
	Close() error
}

// Optional capabilities. Wallet client implementations differ in which call
// shapes they expose; these are probed once at connect time.
type InvoicePayer interface {
	PayInvoice(ctx context.Context, params PayParams) (map[string]any, error)
}

// StringInvoicePayer covers clients that only take the bare invoice string.
type StringInvoicePayer interface {
	PayInvoiceString(ctx context.Context, invoice string) (map[string]any, error)
}

type InvoiceMaker interface {
	MakeInvoice(ctx context.Context, params InvoiceParams) (map[string]any, error)
}

type TransactionLister interface {
	ListTransactions(ctx context.Context, limit int) ([]map[string]any, error)
}

// RawRequester covers clients that only expose a generic method call.
type RawRequester interface {
	Request(ctx context.Context, method string, params map[string]any) (map[string]any, error)
}

type PayParams struct {
	Invoice     string
	AmountMsats int64 // optional override for amountless invoices
}

type InvoiceParams struct {
	AmountMsats int64
	Description string
}

// connCaps is the call strategy bound for one connection: which concrete
// shape serves each operation. Probing happens once per connect so per-call
// code carries no fallback ladders.
type connCaps struct {
	pay  func(ctx context.Context, p PayParams) (map[string]any, error)
	mk   func(ctx context.Context, p InvoiceParams) (map[string]any, error)
	list func(ctx context.Context, limit int) ([]map[string]any, error) // nil when unsupported
}

func payParamsMap(p PayParams) map[string]any {
	m := map[string]any{"invoice": p.Invoice}
	if p.AmountMsats > 0 {
		m["amount"] = p.AmountMsats
	}
	return m
}

// resolveCaps probes the connection's capabilities and binds one call
// strategy per operation: parameter-object form first, then the bare-string
// form, then the generic method call.
func resolveCaps(conn WalletConn) connCaps {
	var caps connCaps
	rq, hasRaw := conn.(RawRequester)

	switch c := conn.(type) {
	case InvoicePayer:
		caps.pay = c.PayInvoice
	case StringInvoicePayer:
		caps.pay = func(ctx context.Context, p PayParams) (map[string]any, error) {
			return c.PayInvoiceString(ctx, p.Invoice)
		}
	default:
		if hasRaw {
			caps.pay = func(ctx context.Context, p PayParams) (map[string]any, error) {
				return rq.Request(ctx, "pay_invoice", payParamsMap(p))
			}
		}
	}

	switch c := conn.(type) {
	case InvoiceMaker:
		caps.mk = c.MakeInvoice
	default:
		if hasRaw {
			caps.mk = func(ctx context.Context, p InvoiceParams) (map[string]any, error) {
				params := map[string]any{"amount": p.AmountMsats}
				if p.Description != "" {
					params["description"] = p.Description
				}
				return rq.Request(ctx, "make_invoice", params)
			}
		}
	}

	switch c := conn.(type) {
	case TransactionLister:
		caps.list = c.ListTransactions
	default:
		if hasRaw {
			// method name differs across wallets; remember the first one
			// that answers
			var mu sync.Mutex
			var resolved string
			caps.list = func(ctx context.Context, limit int) ([]map[string]any, error) {
				params := map[string]any{}
				if limit > 0 {
					params["limit"] = limit
				}
				mu.Lock()
				method := resolved
				mu.Unlock()
				if method != "" {
					res, err := rq.Request(ctx, method, params)
					if err != nil {
						return nil, err
					}
					return transactionsFromResult(res), nil
				}
				var lastErr error
				for _, candidate := range []string{"get_transactions", "list_transactions"} {
					res, err := rq.Request(ctx, candidate, params)
					if err == nil {
						mu.Lock()
						resolved = candidate
						mu.Unlock()
						return transactionsFromResult(res), nil
					}
					lastErr = err
				}
				return nil, lastErr
			}
		}
	}

	return caps
}

// preimageFromResult digs a payment preimage out of the known response
// shapes. Absence is not failure: only an error from the wallet means the
// payment failed.
func preimageFromResult(raw map[string]any) string {
	if raw == nil {
		return ""
	}
	if s, ok := stringField(raw, "preimage"); ok {
		return s
	}
	if s, ok := stringField(raw, "payment_preimage"); ok {
		return s
	}
	for _, k := range []string{"result", "payment"} {
		if inner, ok := raw[k].(map[string]any); ok {
			if s, ok := stringField(inner, "preimage"); ok {
				return s
			}
		}
	}
	return ""
}

// invoiceFromResult extracts a BOLT11 invoice from the known response shapes.
func invoiceFromResult(raw map[string]any) string {
	if raw == nil {
		return ""
	}
	for _, k := range []string{"invoice", "paymentRequest", "pr", "bolt11"} {
		if s, ok := stringField(raw, k); ok {
			return s
		}
	}
	if inner, ok := raw["result"].(map[string]any); ok {
		return invoiceFromResult(inner)
	}
	return ""
}

// transactionsFromResult unwraps a listing response: a "transactions" array
// either at the top level or nested under "result". Non-object elements are
// skipped.
func transactionsFromResult(raw map[string]any) []map[string]any {
	if raw == nil {
		return nil
	}
	arr, ok := raw["transactions"].([]any)
	if !ok {
		if inner, innerOK := raw["result"].(map[string]any); innerOK {
			arr, ok = inner["transactions"].([]any)
		}
	}
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, v := range arr {
		if m, isMap := v.(map[string]any); isMap {
			out = append(out, m)
		}
	}
	return out
}

// --- Transport registry ---

// ConnFactory builds a transport for one wallet URI scheme.
type ConnFactory func(uri string) (WalletConn, error)

var (
	connFactoriesMu sync.Mutex
	connFactories   = map[string]ConnFactory{}
)

// RegisterConnFactory binds a wallet URI scheme to a transport constructor.
// The simulated transport registers itself at init; a production NIP-47
// transport registers under nostr+walletconnect.
func RegisterConnFactory(scheme string, f ConnFactory) {
	connFactoriesMu.Lock()
	defer connFactoriesMu.Unlock()
	connFactories[scheme] = f
}

func dialWallet(uri string) (WalletConn, error) {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return nil, errors.New("invalid wallet URI")
	}
	scheme := uri[:i]
	if scheme == walletConnectScheme {
		if _, err := ParseWalletURI(uri); err != nil {
			return nil, err
		}
	}
	connFactoriesMu.Lock()
	f := connFactories[scheme]
	connFactoriesMu.Unlock()
	if f == nil {
		return nil, fmt.Errorf("no wallet transport registered for scheme %q", scheme)
	}
	return f(uri)
}

// --- nostr+walletconnect URI parsing ---

const walletConnectScheme = "nostr+walletconnect"

// WalletConnectConfig holds the connection parameters carried by a
// nostr+walletconnect:// URI.
type WalletConnectConfig struct {
	WalletPubKey []byte // wallet's x-only public key (32 bytes)
	Relay        string // relay URL for communication
	Secret       []byte // secret key for signing requests (32 bytes)
	ClientPubKey []byte // public key derived from the secret
}

// ParseWalletURI parses and validates a nostr+walletconnect:// URI.
// Format: nostr+walletconnect://<wallet-pubkey>?relay=<wss://...>&secret=<hex>
func ParseWalletURI(uri string) (*WalletConnectConfig, error) {
	prefix := walletConnectScheme + "://"
	if !strings.HasPrefix(uri, prefix) {
		return nil, errors.New("invalid wallet URI: must start with " + prefix)
	}

	// swap the scheme so url.Parse accepts it
	parseable := strings.Replace(uri, prefix, "https://", 1)
	u, err := url.Parse(parseable)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet URI: %v", err)
	}

	walletPubKeyHex := u.Host
	if len(walletPubKeyHex) != 64 {
		return nil, errors.New("invalid wallet pubkey: must be 64 hex characters")
	}
	walletPubKey, err := hex.DecodeString(walletPubKeyHex)
	if err != nil {
		return nil, errors.New("invalid wallet pubkey: not valid hex")
	}

	relay := u.Query().Get("relay")
	if relay == "" {
		return nil, errors.New("wallet URI must include relay parameter")
	}
	if !strings.HasPrefix(relay, "wss://") && !strings.HasPrefix(relay, "ws://") {
		return nil, errors.New("invalid relay URL: must start with wss:// or ws://")
	}

	secretHex := u.Query().Get("secret")
	if secretHex == "" {
		return nil, errors.New("wallet URI must include secret parameter")
	}
	if len(secretHex) != 64 {
		return nil, errors.New("invalid secret: must be 64 hex characters")
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, errors.New("invalid secret: not valid hex")
	}

	clientPubKey, err := derivePublicKey(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %v", err)
	}

	return &WalletConnectConfig{
		WalletPubKey: walletPubKey,
		Relay:        relay,
		Secret:       secret,
		ClientPubKey: clientPubKey,
	}, nil
}

// derivePublicKey returns the x-only public key for a 32-byte secret.
func derivePublicKey(secret []byte) ([]byte, error) {
	if len(secret) != 32 {
		return nil, errors.New("secret must be 32 bytes")
	}
	_, pub := btcec.PrivKeyFromBytes(secret)
	return pub.SerializeCompressed()[1:], nil
}
