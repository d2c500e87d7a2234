/**
 * @description
 * This file contains the balance change use cases. `BalanceChangeService`
 * records balance observations reported by machine callers and lists the
 * recorded history of an account.
 *
 * Key features:
 * - Validates every request before any storage access.
 * - Locks (or lazily creates) the account row and applies the observation in
 *   a single unit of work, so concurrent reports for one name see each
 *   other's balances in commit order.
 * - Publishes a `balance_change.recorded` event after commit.
 *
 * @dependencies
 * - internal/domain, internal/store: domain models and data access.
 * - internal/metrics: committed change counters.
 * - go.uber.org/zap: structured logging.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/balancetracker/balance-service/internal/domain"
	"github.com/balancetracker/balance-service/internal/metrics"
	"github.com/balancetracker/balance-service/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventPublisher delivers domain events to downstream consumers.
type EventPublisher interface {
	PublishBalanceChangeRecorded(ctx context.Context, event domain.BalanceChangeRecordedEvent) error
}

// BalanceChangeStore is the storage the balance change use cases need.
type BalanceChangeStore interface {
	store.UnitOfWork
	BalanceChanges() store.BalanceChangeRepository
}

// NewBalanceChangeInput is one balance observation reported by a caller.
type NewBalanceChangeInput struct {
	AccountName string
	State       domain.BalanceChangeState
	Balance     float64
}

// BalanceChangeService records and lists balance changes.
type BalanceChangeService struct {
	store     BalanceChangeStore
	publisher EventPublisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewBalanceChangeService creates a new balance change service instance.
func NewBalanceChangeService(s BalanceChangeStore, publisher EventPublisher, logger *zap.Logger) *BalanceChangeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BalanceChangeService{
		store:     s,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "balance_change_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used for account timestamps.
func (s *BalanceChangeService) WithClock(now func() time.Time) *BalanceChangeService {
	s.now = now
	return s
}

func validateNewBalanceChange(input NewBalanceChangeInput) error {
	if input.State.Derived() {
		return newError(ErrInvalidInput, "You can't send balance change with DEPOSIT and WITHDRAW states")
	}
	if !input.State.Valid() {
		return newError(ErrInvalidInput, "Unknown balance change state %q", string(input.State))
	}
	if strings.TrimSpace(input.AccountName) == "" {
		return newError(ErrInvalidInput, "Account name must not be empty")
	}
	if math.IsNaN(input.Balance) || math.IsInf(input.Balance, 0) {
		return newError(ErrInvalidInput, "Balance must be a finite number")
	}
	return nil
}

// RecordBalanceChange applies one observation to the named account and
// appends it to the change log.
func (s *BalanceChangeService) RecordBalanceChange(ctx context.Context, input NewBalanceChangeInput) (*domain.BalanceChange, error) {
	if err := validateNewBalanceChange(input); err != nil {
		metrics.RecordBalanceChangeFailure("invalid_input")
		return nil, err
	}

	var (
		account *domain.Account
		change  *domain.BalanceChange
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		now := s.now()

		acc, err := lockOrCreateAccount(ctx, repos.Accounts(), input.AccountName, input.Balance, now)
		if err != nil {
			return err
		}

		pending, err := applyObservation(acc, input.State, input.Balance, now)
		if err != nil {
			return err
		}

		created, err := repos.BalanceChanges().Create(ctx, pending)
		if err != nil {
			return fmt.Errorf("failed to create balance change: %w", err)
		}
		updated, err := repos.Accounts().Update(ctx, acc)
		if err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}

		account, change = updated, created
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			metrics.RecordBalanceChangeFailure("invalid_input")
			return nil, err
		}
		metrics.RecordBalanceChangeFailure("storage")
		s.logger.Error("balance change not recorded",
			zap.String("account_name", input.AccountName),
			zap.String("state_raw", string(input.State)),
			zap.Error(err),
		)
		return nil, fmt.Errorf("record balance change for %q: %w", input.AccountName, err)
	}

	metrics.RecordBalanceChange(string(change.StateRaw), string(change.State))
	s.logger.Info("balance change recorded",
		zap.String("account_name", account.Name),
		zap.String("account_id", account.ID.String()),
		zap.String("state_raw", string(change.StateRaw)),
		zap.String("state", string(change.State)),
		zap.Float64("balance_diff", change.BalanceDiff),
		zap.Bool("is_balance_fixed", account.IsBalanceFixed),
		zap.Bool("is_active", account.IsActive),
	)

	s.publish(ctx, domain.NewBalanceChangeRecordedEvent(account, change))
	return change, nil
}

// lockOrCreateAccount returns the named account locked for the rest of the
// transaction, creating it from the first observation when absent.
func lockOrCreateAccount(ctx context.Context, accounts store.AccountRepository, name string, balance float64, now time.Time) (*domain.Account, error) {
	account, err := accounts.LockByName(ctx, name)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, store.ErrAccountNotFound) {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}

	account, err = accounts.Create(ctx, domain.NewAccount(name, balance, now))
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, store.ErrAccountExists) {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	// Lost the insert race; the winner's row is committed by now.
	account, err = accounts.LockByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account after create conflict: %w", err)
	}
	return account, nil
}

func (s *BalanceChangeService) publish(ctx context.Context, event domain.BalanceChangeRecordedEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishBalanceChangeRecorded(ctx, event); err != nil {
		s.logger.Warn("failed to publish balance change event",
			zap.String("event_id", event.EventID),
			zap.String("balance_change_id", event.BalanceChangeID.String()),
			zap.Error(err),
		)
	}
}

// ListBalanceChanges returns the account's changes created in [from, to).
// Equal bounds give an empty window.
func (s *BalanceChangeService) ListBalanceChanges(ctx context.Context, accountID uuid.UUID, from, to *time.Time) ([]domain.BalanceChange, error) {
	if from != nil && to != nil && from.After(*to) {
		return nil, newError(ErrInvalidInput, "date_from must not be later than date_to")
	}

	changes, err := s.store.BalanceChanges().ListByAccount(ctx, accountID, store.TimeWindow{From: from, To: to})
	if err != nil {
		return nil, fmt.Errorf("failed to list balance changes: %w", err)
	}
	return changes, nil
}
