/**
 * @description
 * This file defines the Account domain model. An account is an external bot or
 * trading entity whose balance is observed over time. Accounts are created lazily
 * on the first balance observation for an unseen name.
 *
 * @notes
 * - `Name` is the caller-facing identity; `ID` is the internal one.
 * - `IsBalanceFixed` holds the account in fixed mode across lock/shutdown windows.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is one tracked entity. It maps directly to the `accounts` table.
type Account struct {
	ID                uuid.UUID `json:"id"`
	CreatedAt         time.Time `json:"created_at"`
	Name              string    `json:"name"`
	Balance           float64   `json:"balance"`
	IsBalanceFixed    bool      `json:"is_balance_fixed"`
	IsActive          bool      `json:"is_active"`
	LastBalanceUpdate time.Time `json:"last_balance_update"`
}

// NewAccount returns an account seeded with its first observed balance.
func NewAccount(name string, balance float64, now time.Time) *Account {
	return &Account{
		ID:                uuid.New(),
		CreatedAt:         now,
		Name:              name,
		Balance:           balance,
		IsBalanceFixed:    false,
		IsActive:          true,
		LastBalanceUpdate: now,
	}
}
