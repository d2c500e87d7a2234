package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/balancetracker/balance-service/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ListAccountsOrderedByName(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		_, err := s.Accounts().Create(ctx, domain.NewAccount(name, 10, now))
		require.NoError(t, err)
	}

	accounts, err := s.Accounts().List(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	assert.Equal(t, "alpha", accounts[0].Name)
	assert.Equal(t, "bravo", accounts[1].Name)
	assert.Equal(t, "charlie", accounts[2].Name)
}

func TestMemoryStore_CreateDuplicateName(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Accounts().Create(ctx, domain.NewAccount("bot", 1, time.Now()))
	require.NoError(t, err)

	_, err = s.Accounts().Create(ctx, domain.NewAccount("bot", 2, time.Now()))
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestMemoryStore_FindMissingAccount(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Accounts().FindByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = s.Accounts().FindByName(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMemoryStore_WithinTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	account, err := s.Accounts().Create(ctx, domain.NewAccount("bot", 100, time.Now()))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithinTx(ctx, func(ctx context.Context, repos Repositories) error {
		locked, err := repos.Accounts().LockByName(ctx, "bot")
		if err != nil {
			return err
		}
		locked.Balance = 500
		if _, err := repos.Accounts().Update(ctx, locked); err != nil {
			return err
		}
		if _, err := repos.BalanceChanges().Create(ctx, &domain.BalanceChange{AccountID: locked.ID}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	reloaded, err := s.Accounts().FindByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 100.0, reloaded.Balance)

	changes, err := s.BalanceChanges().ListByAccount(ctx, account.ID, TimeWindow{})
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestMemoryStore_ListByAccountHalfOpenWindow(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s := NewMemoryStoreWithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Hour)
	})

	accountID := uuid.New()
	other := uuid.New()
	for i := 0; i < 4; i++ {
		_, err := s.BalanceChanges().Create(ctx, &domain.BalanceChange{AccountID: accountID, Balance: float64(i)})
		require.NoError(t, err)
	}
	_, err := s.BalanceChanges().Create(ctx, &domain.BalanceChange{AccountID: other})
	require.NoError(t, err)

	// Records sit at base+1h .. base+4h.
	from := base.Add(2 * time.Hour)
	to := base.Add(4 * time.Hour)

	tests := []struct {
		name   string
		window TimeWindow
		want   []float64
	}{
		{name: "open window", window: TimeWindow{}, want: []float64{0, 1, 2, 3}},
		{name: "from is inclusive", window: TimeWindow{From: &from}, want: []float64{1, 2, 3}},
		{name: "to is exclusive", window: TimeWindow{To: &to}, want: []float64{0, 1, 2}},
		{name: "both bounds", window: TimeWindow{From: &from, To: &to}, want: []float64{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes, err := s.BalanceChanges().ListByAccount(ctx, accountID, tt.window)
			require.NoError(t, err)
			got := make([]float64, 0, len(changes))
			for _, c := range changes {
				got = append(got, c.Balance)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryUserRepository(t *testing.T) {
	ctx := context.Background()
	users := NewMemoryStore().Users()

	created, err := users.Create(ctx, &domain.User{Username: "admin", PasswordHash: "x"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, created.ID)

	_, err = users.Create(ctx, &domain.User{Username: "admin"})
	assert.ErrorIs(t, err, ErrUserExists)

	found, err := users.FindByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = users.FindByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrUserNotFound)
}
