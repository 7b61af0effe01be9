package main

import (
	"strconv"
	"time"
)

// Duck-typed wallet payload normalization. Wallet implementations disagree on
// field names and units, so extraction walks fixed probe tables in priority
// order and reports an explicit outcome instead of guessing. Malformed
// records are skipped, never fatal.

// secondsMillisBoundary separates unix-seconds from unix-millisecond
// timestamps: second values stay below 2e9 until ~2033, millisecond values
// are always above it.
const secondsMillisBoundary = 2_000_000_000

// amountProbes are tried in order; the first recognized field wins. Values
// keep their sign so callers can use it as a direction signal.
var amountProbes = []string{"amount", "amount_msat", "amountMsat", "msats", "value_msat", "valueMsat"}

// timestampProbes are the known creation-time field names, tried in order.
var timestampProbes = []string{"timestamp", "time", "created_at", "date"}

// numberField reads a numeric field from a decoded JSON object. JSON numbers
// arrive as float64; in-process callers may hand us ints.
func numberField(m map[string]any, key string) (int64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

// firstNumber returns the first present numeric field among keys.
func firstNumber(m map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		if v, ok := numberField(m, k); ok {
			return v, true
		}
	}
	return 0, false
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// extractAmountMsats returns the first recognized amount field, signed.
func extractAmountMsats(m map[string]any) (int64, bool) {
	return firstNumber(m, amountProbes...)
}

// normalizeEpochMillis converts a seconds-precision epoch to milliseconds;
// values already in milliseconds pass through.
func normalizeEpochMillis(ts int64) int64 {
	if ts < secondsMillisBoundary {
		return ts * 1000
	}
	return ts
}

func parseTimeString(s string) (int64, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// extractTimestampMillis finds a creation time in a record, converting
// seconds to millis below the boundary and parsing date strings. Returns
// fallback when nothing usable is present.
func extractTimestampMillis(m map[string]any, fallback int64) int64 {
	for _, k := range timestampProbes {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return normalizeEpochMillis(int64(t))
		case int64:
			return normalizeEpochMillis(t)
		case int:
			return normalizeEpochMillis(int64(t))
		case string:
			if ms, ok := parseTimeString(t); ok {
				return ms
			}
		}
	}
	return fallback
}

func descriptionOf(m map[string]any) string {
	for _, k := range []string{"description", "memo", "note"} {
		if s, ok := stringField(m, k); ok {
			return s
		}
	}
	return ""
}

// correlationID extracts a stable external id for de-duplication, in the
// priority order payment hash, preimage, generic hash, record id.
func correlationID(m map[string]any) string {
	for _, k := range []string{"payment_hash", "preimage", "hash", "id"} {
		if s, ok := stringField(m, k); ok {
			return s
		}
		if n, ok := numberField(m, k); ok {
			return strconv.FormatInt(n, 10)
		}
	}
	return ""
}

// normalizeListing converts one node-listing record into a ledger entry
// using the same direction rules as notification classification. Returns
// false when no amount or direction is recognizable.
func normalizeListing(rec map[string]any, now int64) (LedgerEntry, bool) {
	raw, hasRaw := extractAmountMsats(rec)
	if !hasRaw {
		// credit/debit can carry the amount when the generic probes miss
		if c, ok := firstNumber(rec, "credit_msat", "creditMsat"); ok {
			raw, hasRaw = c, true
		} else if d, ok := firstNumber(rec, "debit_msat", "debitMsat"); ok {
			raw, hasRaw = -d, true
		}
	}
	if !hasRaw {
		return LedgerEntry{}, false
	}
	amount := absInt64(raw)
	if amount == 0 {
		return LedgerEntry{}, false
	}
	dir, ok := directionFrom(rec, 0, false, raw, true)
	if !ok {
		return LedgerEntry{}, false
	}
	createdAt := extractTimestampMillis(rec, now)
	id := correlationID(rec)
	if id != "" {
		id = id + "-" + string(dir)
	} else {
		// deterministic fallback: repeated listings of the same record must
		// produce the same id or the merge would duplicate it
		id = strconv.FormatInt(createdAt, 10) + "-" + string(dir) + "-" + strconv.FormatInt(amount, 10)
	}
	return LedgerEntry{
		ID:          id,
		Type:        dir,
		AmountMsats: amount,
		CreatedAt:   createdAt,
		Description: descriptionOf(rec),
	}, true
}
