package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// HTTP/JSON API over the reconciliation engine. One wallet per daemon; the
// session layer in front of this service supplies the remote-log bearer
// token via /wallet/auth.

type WalletServer struct {
	engine *Engine
	hub    *FeedHub
}

func NewWalletServer(engine *Engine, hub *FeedHub) *WalletServer {
	return &WalletServer{engine: engine, hub: hub}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// handleWallet serves the wallet header state and the full clear.
// The connection URI is never echoed back; it contains the wallet secret.
func (s *WalletServer) handleWallet(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		state := s.engine.State()
		writeJSON(w, http.StatusOK, map[string]any{
			"lightningAddress": state.LightningAddress,
			"hasWallet":        state.WalletURI != "",
			"balanceMsats":     state.BalanceMsats,
			"isConnected":      s.engine.Connected(),
		})
	case http.MethodDelete:
		if err := s.engine.ClearWallet(); err != nil {
			slog.Warn("wallet clear: snapshot delete failed", "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *WalletServer) handleSetURI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		URI string `json:"uri"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	body.URI = strings.TrimSpace(body.URI)
	if body.URI == "" {
		writeError(w, http.StatusBadRequest, "uri is required")
		return
	}
	if err := s.engine.SetWalletURI(r.Context(), body.URI); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isConnected": s.engine.Connected()})
}

func (s *WalletServer) handleSetAddress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Address string `json:"address"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	body.Address = strings.TrimSpace(body.Address)
	if body.Address != "" && !strings.Contains(body.Address, "@") {
		writeError(w, http.StatusBadRequest, "lightning address must be user@domain")
		return
	}
	s.engine.SetLightningAddress(body.Address)
	writeJSON(w, http.StatusOK, map[string]string{"lightningAddress": body.Address})
}

func (s *WalletServer) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Request    string `json:"request"`
		AmountSats int64  `json:"amountSats"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), payTimeout)
	defer cancel()
	result, err := s.engine.SendPayment(ctx, body.Request, body.AmountSats)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paid":     true,
		"preimage": result.Preimage,
	})
}

func (s *WalletServer) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		AmountSats  int64  `json:"amountSats"`
		Description string `json:"description"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	invoice, err := s.engine.CreateInvoice(ctx, body.AmountSats, body.Description)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"invoice": invoice})
}

// handleInvoiceQR renders an invoice as a QR PNG for the receive view.
func (s *WalletServer) handleInvoiceQR(w http.ResponseWriter, r *http.Request) {
	invoice := strings.TrimSpace(r.URL.Query().Get("invoice"))
	if invoice == "" {
		writeError(w, http.StatusBadRequest, "invoice is required")
		return
	}
	size := 256
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid size")
			return
		}
		size = n
	}
	if size < 128 {
		size = 128
	}
	if size > 512 {
		size = 512
	}

	// wallets scan uppercase invoices more reliably (alphanumeric QR mode)
	png, err := qrcode.Encode(strings.ToUpper(invoice), qrcode.Medium, size)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not encode invoice")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

func (s *WalletServer) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > maxLedgerEntries {
		limit = maxLedgerEntries
	}
	entries := s.engine.Transactions(limit)
	if entries == nil {
		entries = []LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

func (s *WalletServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.engine.SyncTransactions(ctx); err != nil {
		// partial results still merged; report but don't fail the ledger
		writeJSON(w, http.StatusOK, map[string]any{
			"synced":  true,
			"warning": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"synced": true})
}

// handleAuth receives the session token from the fronting auth layer.
func (s *WalletServer) handleAuth(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			Token string `json:"token"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		s.engine.SetAuthToken(strings.TrimSpace(body.Token))
		writeJSON(w, http.StatusOK, map[string]bool{"authenticated": s.engine.AuthToken() != ""})
	case http.MethodDelete:
		s.engine.SetAuthToken("")
		writeJSON(w, http.StatusOK, map[string]bool{"authenticated": false})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
