package main

import (
	"github.com/google/uuid"
)

// Core wallet data model shared by the reconciliation engine, the sync
// merger and the HTTP API.

// Direction is the effect of a ledger entry on the balance: incoming adds,
// outgoing subtracts.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// LedgerEntry is one row of the wallet's transaction history. AmountMsats is
// always a positive magnitude; Type alone encodes the sign. ID is the
// de-duplication key: an external correlation id (payment hash, preimage or
// server id) suffixed with the direction, or a synthesized timestamp-based id
// when no stable correlation id exists.
type LedgerEntry struct {
	ID          string    `json:"id"`
	Type        Direction `json:"type"`
	AmountMsats int64     `json:"amountMsats"`
	CreatedAt   int64     `json:"createdAt"` // unix milliseconds
	Description string    `json:"description,omitempty"`
	Persisted   bool      `json:"persisted"`
}

// WalletState mirrors what the UI needs to render the wallet header.
type WalletState struct {
	LightningAddress string `json:"lightningAddress,omitempty"`
	WalletURI        string `json:"nwcUri,omitempty"`
	BalanceMsats     int64  `json:"balance"`
}

// walletSnapshot is the single JSON document written to the blob store:
// wallet config plus the ledger snapshot, read once at cold start.
type walletSnapshot struct {
	WalletState
	Transactions []LedgerEntry `json:"transactions"`
}

// WalletEvent is pushed to connected UIs over the live feed.
type WalletEvent struct {
	Kind         string       `json:"kind"` // "balance" | "transaction" | "status"
	BalanceMsats int64        `json:"balanceMsats"`
	Connected    bool         `json:"isConnected"`
	Entry        *LedgerEntry `json:"transaction,omitempty"`
}

const msatsPerSat = 1000

// roundMsatsToSats converts a millisatoshi magnitude to whole sats, rounding
// to nearest. Used wherever amounts are compared at sat-level tolerances.
func roundMsatsToSats(msats int64) int64 {
	if msats < 0 {
		msats = -msats
	}
	return (msats + msatsPerSat/2) / msatsPerSat
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// randomSuffix returns a short random component for synthesized entry ids.
func randomSuffix() string {
	return uuid.NewString()[:8]
}
