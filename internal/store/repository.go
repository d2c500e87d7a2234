/**
 * @description
 * This file defines the interfaces for the data access layer (repositories).
 * Defining interfaces allows for dependency injection and easy substitution in
 * tests, keeping the balance change engine independent from the database.
 *
 * @notes
 * - Any component that needs to interact with storage should depend on these
 *   interfaces, not on the concrete PostgreSQL or in-memory implementation.
 * - Writes that must be atomic go through UnitOfWork.WithinTx.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/balancetracker/balance-service/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrUserNotFound    = errors.New("user not found")
	ErrUserExists      = errors.New("user already exists")
)

// TimeWindow is a half-open [From, To) filter on creation time. A nil bound is open.
type TimeWindow struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	if w.From != nil && t.Before(*w.From) {
		return false
	}
	if w.To != nil && !t.Before(*w.To) {
		return false
	}
	return true
}

// AccountRepository defines the contract for account storage.
type AccountRepository interface {
	FindByName(ctx context.Context, name string) (*domain.Account, error)
	// LockByName loads the account and holds a write lock on it until the
	// surrounding transaction ends.
	LockByName(ctx context.Context, name string) (*domain.Account, error)
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	List(ctx context.Context) ([]domain.Account, error)
	// Create returns ErrAccountExists when the name is already taken.
	Create(ctx context.Context, account *domain.Account) (*domain.Account, error)
	Update(ctx context.Context, account *domain.Account) (*domain.Account, error)
}

// BalanceChangeRepository defines the contract for the append-only change log.
type BalanceChangeRepository interface {
	Create(ctx context.Context, change *domain.BalanceChange) (*domain.BalanceChange, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, window TimeWindow) ([]domain.BalanceChange, error)
}

// UserRepository defines the contract for dashboard user storage.
type UserRepository interface {
	FindByUsername(ctx context.Context, username string) (*domain.User, error)
	FindByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	// Create returns ErrUserExists when the username is already taken.
	Create(ctx context.Context, user *domain.User) (*domain.User, error)
	Update(ctx context.Context, user *domain.User) (*domain.User, error)
}

// Repositories groups the repositories that take part in a unit of work.
type Repositories interface {
	Accounts() AccountRepository
	BalanceChanges() BalanceChangeRepository
}

// UnitOfWork runs fn against transaction-scoped repositories. The transaction
// commits when fn returns nil and rolls back otherwise.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}

// Store is the full storage backend used by the service.
type Store interface {
	Repositories
	UnitOfWork
	Users() UserRepository
	Ping(ctx context.Context) error
	Close()
}
