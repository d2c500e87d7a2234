/**
 * @description
 * This file defines the events published by the balance-service to the message
 * broker (RabbitMQ). These structs are the contract for downstream consumers.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// BalanceChangeRecordedRoutingKey is the routing key for BalanceChangeRecordedEvent.
const BalanceChangeRecordedRoutingKey = "balance_change.recorded"

// BalanceChangeRecordedEvent is emitted after a balance change has been committed.
type BalanceChangeRecordedEvent struct {
	EventID         string             `json:"event_id"`
	BalanceChangeID uuid.UUID          `json:"balance_change_id"`
	AccountID       uuid.UUID          `json:"account_id"`
	AccountName     string             `json:"account_name"`
	StateRaw        BalanceChangeState `json:"state_raw"`
	State           BalanceChangeState `json:"state"`
	Balance         float64            `json:"balance"`
	BalanceDiff     float64            `json:"balance_diff"`
	IsBalanceFixed  bool               `json:"is_balance_fixed"`
	IsActive        bool               `json:"is_active"`
	OccurredAt      time.Time          `json:"occurred_at"`
}

// NewBalanceChangeRecordedEvent builds the event for a committed change.
func NewBalanceChangeRecordedEvent(account *Account, change *BalanceChange) BalanceChangeRecordedEvent {
	return BalanceChangeRecordedEvent{
		EventID:         uuid.NewString(),
		BalanceChangeID: change.ID,
		AccountID:       account.ID,
		AccountName:     account.Name,
		StateRaw:        change.StateRaw,
		State:           change.State,
		Balance:         change.Balance,
		BalanceDiff:     change.BalanceDiff,
		IsBalanceFixed:  account.IsBalanceFixed,
		IsActive:        account.IsActive,
		OccurredAt:      change.CreatedAt,
	}
}
