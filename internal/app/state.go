/**
 * @description
 * This file holds the balance classification engine. Every balance observation
 * runs through DeriveEffectiveState, which decides what the observed difference
 * means (a trusted update, or a deposit/withdrawal while the account is held
 * fixed) and whether the account stays fixed afterwards.
 *
 * @notes
 * - The functions here are pure and never touch storage.
 * - An inactive fixed account reporting an unchanged balance is resuming, so
 *   its hold is released.
 */
package app

import (
	"math"
	"time"

	"github.com/balancetracker/balance-service/internal/domain"
	"github.com/shopspring/decimal"
)

// balanceMode is how the engine reads a diff for an account.
type balanceMode uint8

const (
	modeTracking balanceMode = iota // diffs are reported as the requested state
	modeFixed                       // diffs are treated as external money movement
)

func modeOf(isBalanceFixed bool) balanceMode {
	if isBalanceFixed {
		return modeFixed
	}
	return modeTracking
}

// DeriveEffectiveState returns the state to record for a change of diff under
// the requested state, and the fixed flag the account carries forward.
func DeriveEffectiveState(isBalanceFixed, isActive bool, diff decimal.Decimal, requested domain.BalanceChangeState) (domain.BalanceChangeState, bool) {
	if modeOf(isBalanceFixed) == modeTracking {
		return requested, false
	}
	if diff.IsZero() {
		return requested, isActive
	}

	state := domain.StateDeposit
	if diff.IsNegative() {
		state = domain.StateWithdraw
	}
	// An update while fixed releases the hold; lock and shutdown keep it.
	return state, requested != domain.StateUpdate
}

// balanceDiff is newBalance - oldBalance in decimal arithmetic.
func balanceDiff(oldBalance, newBalance float64) decimal.Decimal {
	return decimal.NewFromFloat(newBalance).Sub(decimal.NewFromFloat(oldBalance))
}

// applyObservation mutates account to reflect a new observed balance and
// returns the change to record. Nothing is persisted. A diff that does not
// fit in a float64 is rejected before the account is touched.
func applyObservation(account *domain.Account, requested domain.BalanceChangeState, balance float64, now time.Time) (*domain.BalanceChange, error) {
	diff := balanceDiff(account.Balance, balance)
	diffValue := diff.InexactFloat64()
	if math.IsInf(diffValue, 0) || math.IsNaN(diffValue) {
		return nil, newError(ErrInvalidInput, "Balance difference is out of range")
	}
	state, fixed := DeriveEffectiveState(account.IsBalanceFixed, account.IsActive, diff, requested)

	account.Balance = balance
	account.LastBalanceUpdate = now
	account.IsActive = requested != domain.StateShutdown
	account.IsBalanceFixed = fixed || requested.FixesBalance()

	return &domain.BalanceChange{
		AccountID:   account.ID,
		StateRaw:    requested,
		State:       state,
		Balance:     balance,
		BalanceDiff: diffValue,
	}, nil
}
