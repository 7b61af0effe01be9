package main

import (
	"strings"
	"testing"
	"time"
)

func TestDirectionPriorityChain(t *testing.T) {
	tests := []struct {
		name   string
		record map[string]any
		want   Direction
	}{
		{"credit wins over type", map[string]any{"credit_msat": float64(1000), "type": "sent"}, DirectionIncoming},
		{"debit wins over type", map[string]any{"debit_msat": float64(1000), "type": "received"}, DirectionOutgoing},
		{"direction field", map[string]any{"direction": "out", "type": "funds added"}, DirectionOutgoing},
		{"receive vocabulary", map[string]any{"type": "funds added"}, DirectionIncoming},
		{"send vocabulary", map[string]any{"type": "withdraw"}, DirectionOutgoing},
		{"payment is a send word", map[string]any{"type": "payment"}, DirectionOutgoing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := directionFrom(tt.record, 0, false, 0, false)
			if !ok || got != tt.want {
				t.Errorf("directionFrom = %v, %v; want %v", got, ok, tt.want)
			}
		})
	}

	t.Run("balance change sign", func(t *testing.T) {
		got, ok := directionFrom(map[string]any{}, -500, true, 0, false)
		if !ok || got != DirectionOutgoing {
			t.Errorf("negative balance change = %v, %v", got, ok)
		}
	})

	t.Run("raw amount sign last", func(t *testing.T) {
		got, ok := directionFrom(map[string]any{}, 0, false, 900, true)
		if !ok || got != DirectionIncoming {
			t.Errorf("positive raw amount = %v, %v", got, ok)
		}
		if _, ok := directionFrom(map[string]any{}, 0, false, 0, false); ok {
			t.Error("no signal should resolve to nothing")
		}
	})
}

func TestClassifyNotification(t *testing.T) {
	now := time.Now().UnixMilli()

	t.Run("envelope unwrapped", func(t *testing.T) {
		entry := classifyNotification(map[string]any{
			"notification_type": "payment_received",
			"notification": map[string]any{
				"type":         "incoming",
				"amount":       float64(21000),
				"payment_hash": "hash1",
			},
		}, now)
		if entry == nil {
			t.Fatal("expected an entry")
		}
		if entry.ID != "hash1-incoming" || entry.Type != DirectionIncoming || entry.AmountMsats != 21000 {
			t.Errorf("got %+v", entry)
		}
	})

	t.Run("self payment yields distinct ids", func(t *testing.T) {
		in := classifyNotification(map[string]any{
			"payment_hash": "shared", "credit_msat": float64(1000),
		}, now)
		out := classifyNotification(map[string]any{
			"payment_hash": "shared", "debit_msat": float64(1000),
		}, now)
		if in == nil || out == nil {
			t.Fatal("expected both entries")
		}
		if in.ID == out.ID {
			t.Errorf("shared hash collapsed: %q", in.ID)
		}
	})

	t.Run("amount is absolute", func(t *testing.T) {
		entry := classifyNotification(map[string]any{
			"amount": float64(-5000), "payment_hash": "h",
		}, now)
		if entry == nil {
			t.Fatal("expected an entry")
		}
		if entry.AmountMsats != 5000 || entry.Type != DirectionOutgoing {
			t.Errorf("got %+v", entry)
		}
	})

	t.Run("synthesized id when no hash", func(t *testing.T) {
		a := classifyNotification(map[string]any{"amount": float64(100)}, now)
		b := classifyNotification(map[string]any{"amount": float64(100)}, now)
		if a == nil || b == nil {
			t.Fatal("expected entries")
		}
		if a.ID == b.ID {
			t.Error("synthesized ids must not collide")
		}
	})

	t.Run("unclassifiable dropped", func(t *testing.T) {
		if classifyNotification(map[string]any{"memo": "x"}, now) != nil {
			t.Error("no amount should drop")
		}
		if classifyNotification(map[string]any{"amount": float64(0)}, now) != nil {
			t.Error("zero amount should drop")
		}
		if classifyNotification(nil, now) != nil {
			t.Error("nil should drop")
		}
	})
}

func TestRewriteDirectionSuffix(t *testing.T) {
	if got := rewriteDirectionSuffix("abc-outgoing", DirectionIncoming); got != "abc-incoming" {
		t.Errorf("got %q", got)
	}
	if got := rewriteDirectionSuffix("abc", DirectionOutgoing); got != "abc-outgoing" {
		t.Errorf("got %q", got)
	}
	got := rewriteDirectionSuffix("123-incoming", DirectionOutgoing)
	if !strings.HasSuffix(got, "-outgoing") || strings.Contains(got, "incoming") {
		t.Errorf("got %q", got)
	}
}
