/**
 * @description
 * This file defines the BalanceChange domain model and the set of balance change
 * states. A BalanceChange is an append-only record of one balance observation,
 * carrying both the state the caller asked for and the state the engine derived.
 */
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BalanceChangeState classifies a balance change event.
type BalanceChangeState string

const (
	StateLock     BalanceChangeState = "lock"
	StateDeposit  BalanceChangeState = "deposit"
	StateWithdraw BalanceChangeState = "withdraw"
	StateUpdate   BalanceChangeState = "update"
	StateShutdown BalanceChangeState = "shutdown"
)

// ParseBalanceChangeState maps a wire value onto a known state.
func ParseBalanceChangeState(raw string) (BalanceChangeState, error) {
	state := BalanceChangeState(strings.ToLower(strings.TrimSpace(raw)))
	if !state.Valid() {
		return "", fmt.Errorf("unknown balance change state %q", raw)
	}
	return state, nil
}

// Valid reports whether s is one of the known states.
func (s BalanceChangeState) Valid() bool {
	switch s {
	case StateLock, StateDeposit, StateWithdraw, StateUpdate, StateShutdown:
		return true
	}
	return false
}

// Derived reports whether s is only ever produced by the engine.
// Callers may not submit derived states.
func (s BalanceChangeState) Derived() bool {
	return s == StateDeposit || s == StateWithdraw
}

// FixesBalance reports whether a request in state s leaves the account fixed.
func (s BalanceChangeState) FixesBalance() bool {
	return s == StateLock || s == StateShutdown
}

// BalanceChange maps directly to the `balance_changes` table.
type BalanceChange struct {
	ID          uuid.UUID          `json:"id"`
	CreatedAt   time.Time          `json:"created_at"`
	AccountID   uuid.UUID          `json:"account_id"`
	StateRaw    BalanceChangeState `json:"state_raw"`
	State       BalanceChangeState `json:"state"`
	Balance     float64            `json:"balance"`
	BalanceDiff float64            `json:"balance_diff"`
}
