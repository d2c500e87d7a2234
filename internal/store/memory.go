/**
 * @description
 * This file provides an in-memory implementation of Store. It backs local runs
 * (STORAGE_DRIVER=memory) and tests that exercise the engine without PostgreSQL.
 *
 * @notes
 * - Transactions are serialized by a single lock and work on a copy of the
 *   committed state. The copy replaces the committed state only when the
 *   transaction function succeeds, so a failed transaction leaves no trace.
 * - State is lost when the process exits.
 */
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/balancetracker/balance-service/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore is the in-memory implementation of Store.
type MemoryStore struct {
	txMu  sync.Mutex   // held for the whole of every write transaction
	mu    sync.RWMutex // guards state
	state *memState

	users *memUserRepository
	now   func() time.Time
}

type memState struct {
	accounts map[uuid.UUID]domain.Account
	changes  []domain.BalanceChange
}

func (s *memState) clone() *memState {
	accounts := make(map[uuid.UUID]domain.Account, len(s.accounts))
	for id, a := range s.accounts {
		accounts[id] = a
	}
	changes := make([]domain.BalanceChange, len(s.changes))
	copy(changes, s.changes)
	return &memState{accounts: accounts, changes: changes}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates an empty MemoryStore that stamps records with now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		state: &memState{accounts: map[uuid.UUID]domain.Account{}},
		users: &memUserRepository{users: map[uuid.UUID]domain.User{}},
		now:   now,
	}
}

// WithinTx runs fn against a private copy of the state and publishes the copy on success.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	staged := s.state.clone()
	s.mu.RUnlock()

	if err := fn(ctx, memRepositories{state: staged, now: s.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = staged
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Accounts() AccountRepository {
	return &memAutoAccounts{store: s}
}

func (s *MemoryStore) BalanceChanges() BalanceChangeRepository {
	return &memAutoBalanceChanges{store: s}
}

func (s *MemoryStore) Users() UserRepository {
	return s.users
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() {}

// read runs fn against the committed state.
func (s *MemoryStore) read(fn func(repos memRepositories) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(memRepositories{state: s.state, now: s.now})
}

type memRepositories struct {
	state *memState
	now   func() time.Time
}

func (r memRepositories) Accounts() AccountRepository {
	return memAccounts(r)
}

func (r memRepositories) BalanceChanges() BalanceChangeRepository {
	return memBalanceChanges(r)
}

// memAccounts operates on one state without locking; callers provide isolation.
type memAccounts memRepositories

func (r memAccounts) FindByName(_ context.Context, name string) (*domain.Account, error) {
	for _, a := range r.state.accounts {
		if a.Name == name {
			found := a
			return &found, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (r memAccounts) LockByName(ctx context.Context, name string) (*domain.Account, error) {
	return r.FindByName(ctx, name)
}

func (r memAccounts) FindByID(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	a, ok := r.state.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

func (r memAccounts) List(_ context.Context) ([]domain.Account, error) {
	accounts := make([]domain.Account, 0, len(r.state.accounts))
	for _, a := range r.state.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Name < accounts[j].Name })
	return accounts, nil
}

func (r memAccounts) Create(ctx context.Context, account *domain.Account) (*domain.Account, error) {
	if _, err := r.FindByName(ctx, account.Name); err == nil {
		return nil, ErrAccountExists
	}
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = r.now()
	}
	r.state.accounts[account.ID] = *account
	return account, nil
}

func (r memAccounts) Update(_ context.Context, account *domain.Account) (*domain.Account, error) {
	if _, ok := r.state.accounts[account.ID]; !ok {
		return nil, ErrAccountNotFound
	}
	r.state.accounts[account.ID] = *account
	return account, nil
}

type memBalanceChanges memRepositories

func (r memBalanceChanges) Create(_ context.Context, change *domain.BalanceChange) (*domain.BalanceChange, error) {
	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	change.CreatedAt = r.now()
	r.state.changes = append(r.state.changes, *change)
	return change, nil
}

func (r memBalanceChanges) ListByAccount(_ context.Context, accountID uuid.UUID, window TimeWindow) ([]domain.BalanceChange, error) {
	changes := []domain.BalanceChange{}
	for _, c := range r.state.changes {
		if c.AccountID == accountID && window.Contains(c.CreatedAt) {
			changes = append(changes, c)
		}
	}
	return changes, nil
}

// memAutoAccounts reads the committed state and wraps each write in its own transaction.
type memAutoAccounts struct {
	store *MemoryStore
}

func (r *memAutoAccounts) FindByName(ctx context.Context, name string) (account *domain.Account, err error) {
	err = r.store.read(func(repos memRepositories) error {
		account, err = repos.Accounts().FindByName(ctx, name)
		return err
	})
	return account, err
}

// LockByName outside a transaction has nothing to hold, so it is a plain read.
func (r *memAutoAccounts) LockByName(ctx context.Context, name string) (*domain.Account, error) {
	return r.FindByName(ctx, name)
}

func (r *memAutoAccounts) FindByID(ctx context.Context, id uuid.UUID) (account *domain.Account, err error) {
	err = r.store.read(func(repos memRepositories) error {
		account, err = repos.Accounts().FindByID(ctx, id)
		return err
	})
	return account, err
}

func (r *memAutoAccounts) List(ctx context.Context) (accounts []domain.Account, err error) {
	err = r.store.read(func(repos memRepositories) error {
		accounts, err = repos.Accounts().List(ctx)
		return err
	})
	return accounts, err
}

func (r *memAutoAccounts) Create(ctx context.Context, account *domain.Account) (created *domain.Account, err error) {
	err = r.store.WithinTx(ctx, func(ctx context.Context, repos Repositories) error {
		created, err = repos.Accounts().Create(ctx, account)
		return err
	})
	return created, err
}

func (r *memAutoAccounts) Update(ctx context.Context, account *domain.Account) (updated *domain.Account, err error) {
	err = r.store.WithinTx(ctx, func(ctx context.Context, repos Repositories) error {
		updated, err = repos.Accounts().Update(ctx, account)
		return err
	})
	return updated, err
}

type memAutoBalanceChanges struct {
	store *MemoryStore
}

func (r *memAutoBalanceChanges) Create(ctx context.Context, change *domain.BalanceChange) (created *domain.BalanceChange, err error) {
	err = r.store.WithinTx(ctx, func(ctx context.Context, repos Repositories) error {
		created, err = repos.BalanceChanges().Create(ctx, change)
		return err
	})
	return created, err
}

func (r *memAutoBalanceChanges) ListByAccount(ctx context.Context, accountID uuid.UUID, window TimeWindow) (changes []domain.BalanceChange, err error) {
	err = r.store.read(func(repos memRepositories) error {
		changes, err = repos.BalanceChanges().ListByAccount(ctx, accountID, window)
		return err
	})
	return changes, err
}

// memUserRepository keeps users outside the transactional state; no
// operation spans users and accounts.
type memUserRepository struct {
	mu    sync.RWMutex
	users map[uuid.UUID]domain.User
}

func (r *memUserRepository) FindByUsername(_ context.Context, username string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.Username == username {
			found := u
			return &found, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *memUserRepository) FindByID(_ context.Context, id uuid.UUID) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (r *memUserRepository) Create(_ context.Context, user *domain.User) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Username == user.Username {
			return nil, ErrUserExists
		}
	}
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	r.users[user.ID] = *user
	return user, nil
}

func (r *memUserRepository) Update(_ context.Context, user *domain.User) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[user.ID]; !ok {
		return nil, ErrUserNotFound
	}
	r.users[user.ID] = *user
	return user, nil
}
