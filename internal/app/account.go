package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/balancetracker/balance-service/internal/domain"
	"github.com/balancetracker/balance-service/internal/store"
	"github.com/google/uuid"
)

// AccountService provides read access to tracked accounts.
type AccountService struct {
	accounts store.AccountRepository
}

// NewAccountService creates a new account service instance.
func NewAccountService(accounts store.AccountRepository) *AccountService {
	return &AccountService{accounts: accounts}
}

// ListAccounts returns every account ordered by name.
func (s *AccountService) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// GetAccount returns the account with the given id.
func (s *AccountService) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	account, err := s.accounts.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, newError(ErrNotFound, "Account with id %s not found", id)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}
