package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client for the remote transaction log, the authenticated persistence tier
// behind the local ledger. Upserts are keyed by externalId, which equals the
// ledger entry id, so retries and double-sends are harmless.

type RemoteLogClient struct {
	baseURL string
	client  *http.Client
}

func NewRemoteLogClient(baseURL string) *RemoteLogClient {
	return &RemoteLogClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// remoteTransaction is the log's wire row. createdAt arrives as an epoch
// number or a date string depending on the backing store.
type remoteTransaction struct {
	ID          string          `json:"id"`
	ExternalID  string          `json:"externalId"`
	Type        string          `json:"type"`
	AmountMsats int64           `json:"amountMsats"`
	Description string          `json:"description"`
	CreatedAt   json.RawMessage `json:"createdAt"`
}

// List fetches the most recent page of persisted transactions.
func (c *RemoteLogClient) List(ctx context.Context, token string, limit int) ([]LedgerEntry, error) {
	u := fmt.Sprintf("%s/transactions?limit=%d", c.baseURL, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transaction log fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("transaction log returned status %d", resp.StatusCode)
	}

	var body struct {
		Transactions []remoteTransaction `json:"transactions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode transaction log response: %w", err)
	}

	now := time.Now().UnixMilli()
	out := make([]LedgerEntry, 0, len(body.Transactions))
	for _, rt := range body.Transactions {
		if entry, ok := rt.toLedgerEntry(now); ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

// toLedgerEntry maps a log row to a ledger entry. externalId is the ledger's
// id when present; rows written by other clients fall back to the server id.
// Rows with no usable direction or amount are skipped.
func (rt remoteTransaction) toLedgerEntry(now int64) (LedgerEntry, bool) {
	if rt.AmountMsats <= 0 {
		return LedgerEntry{}, false
	}
	var dir Direction
	switch rt.Type {
	case string(DirectionIncoming):
		dir = DirectionIncoming
	case string(DirectionOutgoing):
		dir = DirectionOutgoing
	default:
		lower := strings.ToLower(rt.Type)
		switch {
		case receiveTypeRe.MatchString(lower):
			dir = DirectionIncoming
		case sendTypeRe.MatchString(lower):
			dir = DirectionOutgoing
		default:
			return LedgerEntry{}, false
		}
	}
	id := rt.ExternalID
	if id == "" {
		if rt.ID == "" {
			return LedgerEntry{}, false
		}
		id = rt.ID + "-" + string(dir)
	}
	return LedgerEntry{
		ID:          id,
		Type:        dir,
		AmountMsats: rt.AmountMsats,
		CreatedAt:   parseRemoteTimestamp(rt.CreatedAt, now),
		Description: rt.Description,
		Persisted:   true,
	}, true
}

func parseRemoteTimestamp(raw json.RawMessage, fallback int64) int64 {
	if len(raw) == 0 {
		return fallback
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return normalizeEpochMillis(int64(n))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ms, ok := parseTimeString(s); ok {
			return ms
		}
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return normalizeEpochMillis(v)
		}
	}
	return fallback
}

// Upsert writes one ledger entry to the log. The server upserts by
// externalId, so calling this twice for the same entry is safe.
func (c *RemoteLogClient) Upsert(ctx context.Context, token string, entry LedgerEntry) error {
	payload := map[string]any{
		"type":        string(entry.Type),
		"amountMsats": entry.AmountMsats,
		"createdAt":   entry.CreatedAt,
		"externalId":  entry.ID,
	}
	if entry.Description != "" {
		payload["description"] = entry.Description
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("transaction log upsert: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("transaction log upsert returned status %d", resp.StatusCode)
	}
	return nil
}
