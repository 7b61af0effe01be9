package main

import (
	"fmt"
	"regexp"
	"strings"
)

// Notification classification: turning a raw wallet push into a candidate
// ledger entry. Direction is resolved by a priority chain of signals; records
// with no recognizable amount or direction are dropped, not errors.

var (
	receiveTypeRe = regexp.MustCompile(`receive|received|incoming|deposit|funds added`)
	sendTypeRe    = regexp.MustCompile(`send|sent|outgoing|withdraw|spent|payment`)
)

// directionFrom resolves a record's direction. Priority order:
//  1. explicit positive credit xor explicit positive debit
//  2. explicit direction field ("in"/"out")
//  3. type string matching the receive or send vocabulary
//  4. sign of the balance-change field
//  5. sign of the raw signed amount
func directionFrom(n map[string]any, balanceChange int64, hasBalanceChange bool, rawAmount int64, hasRawAmount bool) (Direction, bool) {
	credit, hasCredit := firstNumber(n, "credit_msat", "creditMsat")
	debit, hasDebit := firstNumber(n, "debit_msat", "debitMsat")
	if hasCredit && credit > 0 && (!hasDebit || debit == 0) {
		return DirectionIncoming, true
	}
	if hasDebit && debit > 0 && (!hasCredit || credit == 0) {
		return DirectionOutgoing, true
	}
	if d, ok := stringField(n, "direction"); ok {
		switch d {
		case "in":
			return DirectionIncoming, true
		case "out":
			return DirectionOutgoing, true
		}
	}
	if t, ok := stringField(n, "type"); ok {
		lower := strings.ToLower(t)
		if receiveTypeRe.MatchString(lower) {
			return DirectionIncoming, true
		}
		if sendTypeRe.MatchString(lower) {
			return DirectionOutgoing, true
		}
	}
	if hasBalanceChange && balanceChange != 0 {
		if balanceChange > 0 {
			return DirectionIncoming, true
		}
		return DirectionOutgoing, true
	}
	if hasRawAmount {
		if rawAmount >= 0 {
			return DirectionIncoming, true
		}
		return DirectionOutgoing, true
	}
	return "", false
}

// classifyNotification turns a raw notification into a candidate entry, or
// nil when nothing is recognizable. The amount is the absolute value of
// whichever signal carried it. The id embeds the direction so a self-payment
// (same hash credited and debited) yields two distinct rows.
func classifyNotification(raw map[string]any, now int64) *LedgerEntry {
	if raw == nil {
		return nil
	}
	n := raw
	if inner, ok := raw["notification"].(map[string]any); ok {
		n = inner
	}

	rawAmount, hasRawAmount := extractAmountMsats(n)
	credit, hasCredit := firstNumber(n, "credit_msat", "creditMsat")
	debit, hasDebit := firstNumber(n, "debit_msat", "debitMsat")
	balanceChange, hasBalanceChange := firstNumber(n, "balance_change_msat", "balanceChangeMsat", "balance_delta", "delta")
	if !hasBalanceChange {
		if hasCredit {
			balanceChange, hasBalanceChange = credit, true
		} else if hasDebit {
			balanceChange, hasBalanceChange = -debit, true
		}
	}
	if !hasRawAmount && !hasBalanceChange {
		return nil
	}

	source := rawAmount
	if hasBalanceChange {
		source = balanceChange
	}
	amount := absInt64(source)
	if amount == 0 {
		return nil
	}

	dir, ok := directionFrom(n, balanceChange, hasBalanceChange, rawAmount, hasRawAmount)
	if !ok {
		return nil
	}

	createdAt := extractTimestampMillis(n, now)
	id := correlationID(n)
	if id != "" {
		id = id + "-" + string(dir)
	} else {
		id = fmt.Sprintf("%d-%s-%d-%s", createdAt, dir, amount, randomSuffix())
	}

	return &LedgerEntry{
		ID:          id,
		Type:        dir,
		AmountMsats: amount,
		CreatedAt:   createdAt,
		Description: descriptionOf(n),
	}
}

// rewriteDirectionSuffix regenerates the direction component of an id after a
// delta override, so the flipped entry cannot collide with its old form.
func rewriteDirectionSuffix(id string, dir Direction) string {
	for _, d := range []Direction{DirectionIncoming, DirectionOutgoing} {
		if strings.HasSuffix(id, "-"+string(d)) {
			return strings.TrimSuffix(id, "-"+string(d)) + "-" + string(dir)
		}
	}
	return id + "-" + string(dir)
}
