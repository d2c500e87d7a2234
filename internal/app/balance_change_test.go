package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/balancetracker/balance-service/internal/domain"
	"github.com/balancetracker/balance-service/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.BalanceChangeRecordedEvent
	err    error
}

func (p *recordingPublisher) PublishBalanceChangeRecorded(_ context.Context, event domain.BalanceChangeRecordedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func newTestBalanceService(t *testing.T) (*BalanceChangeService, *store.MemoryStore, *recordingPublisher) {
	t.Helper()
	clock := tickingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	mem := store.NewMemoryStoreWithClock(clock)
	pub := &recordingPublisher{}
	return NewBalanceChangeService(mem, pub, nil).WithClock(clock), mem, pub
}

func seedAccount(t *testing.T, mem *store.MemoryStore, name string, balance float64, fixed, active bool) *domain.Account {
	t.Helper()
	account := domain.NewAccount(name, balance, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC))
	account.IsBalanceFixed = fixed
	account.IsActive = active
	created, err := mem.Accounts().Create(context.Background(), account)
	require.NoError(t, err)
	return created
}

func TestRecordBalanceChange_Scenarios(t *testing.T) {
	tests := []struct {
		name       string
		balance    float64
		fixed      bool
		active     bool
		requested  domain.BalanceChangeState
		newBalance float64
		wantDiff   float64
		wantState  domain.BalanceChangeState
		wantFixed  bool
		wantActive bool
	}{
		{"A update on tracking account", 100, false, true, domain.StateUpdate, 200, 100, domain.StateUpdate, false, true},
		{"B update on fixed account with movement", 100, true, true, domain.StateUpdate, 200, 100, domain.StateDeposit, false, true},
		{"C update on fixed active account without movement", 100, true, true, domain.StateUpdate, 100, 0, domain.StateUpdate, true, true},
		{"D update on fixed inactive account without movement", 100, true, false, domain.StateUpdate, 100, 0, domain.StateUpdate, false, true},
		{"E lock on tracking account", 100, false, true, domain.StateLock, 200, 100, domain.StateLock, true, true},
		{"F shutdown on fixed account with movement", 100, true, true, domain.StateShutdown, 200, 100, domain.StateDeposit, true, false},
		{"update on fixed account with loss", 200, true, true, domain.StateUpdate, 50, -150, domain.StateWithdraw, false, true},
		{"shutdown on tracking account", 100, false, true, domain.StateShutdown, 100, 0, domain.StateShutdown, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mem, pub := newTestBalanceService(t)
			ctx := context.Background()
			seeded := seedAccount(t, mem, "x", tt.balance, tt.fixed, tt.active)

			change, err := svc.RecordBalanceChange(ctx, NewBalanceChangeInput{AccountName: "x", State: tt.requested, Balance: tt.newBalance})
			require.NoError(t, err)

			assert.Equal(t, seeded.ID, change.AccountID)
			assert.Equal(t, tt.requested, change.StateRaw)
			assert.Equal(t, tt.wantState, change.State)
			assert.Equal(t, tt.newBalance, change.Balance)
			assert.Equal(t, tt.wantDiff, change.BalanceDiff)
			assert.NotEqual(t, uuid.Nil, change.ID)

			account, err := mem.Accounts().FindByID(ctx, seeded.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.newBalance, account.Balance)
			assert.Equal(t, tt.wantFixed, account.IsBalanceFixed)
			assert.Equal(t, tt.wantActive, account.IsActive)

			require.Len(t, pub.events, 1)
			assert.Equal(t, change.ID, pub.events[0].BalanceChangeID)
			assert.Equal(t, tt.wantFixed, pub.events[0].IsBalanceFixed)
		})
	}
}

func TestRecordBalanceChange_FirstObservationCreatesAccount(t *testing.T) {
	svc, mem, _ := newTestBalanceService(t)
	ctx := context.Background()

	change, err := svc.RecordBalanceChange(ctx, NewBalanceChangeInput{AccountName: "fresh", State: domain.StateLock, Balance: 250})
	require.NoError(t, err)

	assert.Equal(t, 0.0, change.BalanceDiff)
	assert.Equal(t, domain.StateLock, change.State)

	account, err := mem.Accounts().FindByName(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, change.AccountID, account.ID)
	assert.Equal(t, 250.0, account.Balance)
	assert.True(t, account.IsBalanceFixed)
	assert.True(t, account.IsActive)
}

func TestRecordBalanceChange_LockWindowSequence(t *testing.T) {
	svc, mem, _ := newTestBalanceService(t)
	ctx := context.Background()

	steps := []struct {
		requested domain.BalanceChangeState
		balance   float64
		wantState domain.BalanceChangeState
		wantDiff  float64
	}{
		{domain.StateUpdate, 1000, domain.StateUpdate, 0},
		{domain.StateUpdate, 1010, domain.StateUpdate, 10},
		{domain.StateLock, 1010, domain.StateLock, 0},
		{domain.StateLock, 1500, domain.StateDeposit, 490},
		{domain.StateShutdown, 1400, domain.StateWithdraw, -100},
		{domain.StateUpdate, 1400, domain.StateUpdate, 0},
		{domain.StateUpdate, 1420, domain.StateUpdate, 20},
	}
	for i, step := range steps {
		change, err := svc.RecordBalanceChange(ctx, NewBalanceChangeInput{AccountName: "bot", State: step.requested, Balance: step.balance})
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, step.wantState, change.State, "step %d", i)
		assert.Equal(t, step.wantDiff, change.BalanceDiff, "step %d", i)
	}

	account, err := mem.Accounts().FindByName(ctx, "bot")
	require.NoError(t, err)
	assert.False(t, account.IsBalanceFixed)
	assert.True(t, account.IsActive)

	changes, err := svc.ListBalanceChanges(ctx, account.ID, nil, nil)
	require.NoError(t, err)
	assert.Len(t, changes, len(steps))
}

func TestRecordBalanceChange_RejectsInvalidInputWithoutSideEffects(t *testing.T) {
	tests := []struct {
		name  string
		input NewBalanceChangeInput
	}{
		{"deposit", NewBalanceChangeInput{AccountName: "x", State: domain.StateDeposit, Balance: 10}},
		{"withdraw", NewBalanceChangeInput{AccountName: "x", State: domain.StateWithdraw, Balance: 10}},
		{"unknown state", NewBalanceChangeInput{AccountName: "x", State: "freeze", Balance: 10}},
		{"blank name", NewBalanceChangeInput{AccountName: "  ", State: domain.StateUpdate, Balance: 10}},
		{"nan balance", NewBalanceChangeInput{AccountName: "x", State: domain.StateUpdate, Balance: math.NaN()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mem, pub := newTestBalanceService(t)
			ctx := context.Background()
			seeded := seedAccount(t, mem, "x", 100, true, true)

			_, err := svc.RecordBalanceChange(ctx, tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))

			account, err := mem.Accounts().FindByID(ctx, seeded.ID)
			require.NoError(t, err)
			assert.Equal(t, *seeded, *account)

			changes, err := mem.BalanceChanges().ListByAccount(ctx, seeded.ID, store.TimeWindow{})
			require.NoError(t, err)
			assert.Empty(t, changes)
			assert.Empty(t, pub.events)
		})
	}
}

func TestRecordBalanceChange_OverflowingDiffRollsBack(t *testing.T) {
	svc, mem, pub := newTestBalanceService(t)
	ctx := context.Background()

	first, err := svc.RecordBalanceChange(ctx, NewBalanceChangeInput{AccountName: "x", State: domain.StateUpdate, Balance: -1.7e308})
	require.NoError(t, err)
	assert.Equal(t, 0.0, first.BalanceDiff)

	_, err = svc.RecordBalanceChange(ctx, NewBalanceChangeInput{AccountName: "x", State: domain.StateUpdate, Balance: 1.7e308})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)

	account, err := mem.Accounts().FindByName(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, -1.7e308, account.Balance)

	changes, err := mem.BalanceChanges().ListByAccount(ctx, account.ID, store.TimeWindow{})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	for _, c := range changes {
		assert.False(t, math.IsInf(c.BalanceDiff, 0))
	}
	assert.Len(t, pub.events, 1)
}

func TestRecordBalanceChange_DerivedStateMessage(t *testing.T) {
	svc, _, _ := newTestBalanceService(t)
	_, err := svc.RecordBalanceChange(context.Background(), NewBalanceChangeInput{AccountName: "x", State: domain.StateDeposit, Balance: 1})
	assert.Equal(t, "You can't send balance change with DEPOSIT and WITHDRAW states", Message(err, ""))
}

type failingAccounts struct {
	store.AccountRepository
}

func (failingAccounts) Update(context.Context, *domain.Account) (*domain.Account, error) {
	return nil, errors.New("connection reset")
}

type failingChanges struct {
	store.BalanceChangeRepository
}

func (failingChanges) Create(context.Context, *domain.BalanceChange) (*domain.BalanceChange, error) {
	return nil, errors.New("disk full")
}

type failingRepos struct {
	inner      store.Repositories
	failUpdate bool
	failInsert bool
}

func (r failingRepos) Accounts() store.AccountRepository {
	if r.failUpdate {
		return failingAccounts{r.inner.Accounts()}
	}
	return r.inner.Accounts()
}

func (r failingRepos) BalanceChanges() store.BalanceChangeRepository {
	if r.failInsert {
		return failingChanges{r.inner.BalanceChanges()}
	}
	return r.inner.BalanceChanges()
}

type failingStore struct {
	*store.MemoryStore
	failUpdate bool
	failInsert bool
}

func (s failingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, repos store.Repositories) error) error {
	return s.MemoryStore.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		return fn(ctx, failingRepos{inner: repos, failUpdate: s.failUpdate, failInsert: s.failInsert})
	})
}

func TestRecordBalanceChange_StorageFailureLeavesNoTrace(t *testing.T) {
	tests := []struct {
		name       string
		failUpdate bool
		failInsert bool
	}{
		{"account update fails", true, false},
		{"change insert fails", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemoryStore()
			pub := &recordingPublisher{}
			svc := NewBalanceChangeService(failingStore{MemoryStore: mem, failUpdate: tt.failUpdate, failInsert: tt.failInsert}, pub, nil)
			ctx := context.Background()

			_, err := svc.RecordBalanceChange(ctx, NewBalanceChangeInput{AccountName: "new-bot", State: domain.StateUpdate, Balance: 10})
			require.Error(t, err)
			assert.False(t, errors.Is(err, ErrInvalidInput))

			_, err = mem.Accounts().FindByName(ctx, "new-bot")
			assert.ErrorIs(t, err, store.ErrAccountNotFound)
			accounts, err := mem.Accounts().List(ctx)
			require.NoError(t, err)
			assert.Empty(t, accounts)
			assert.Empty(t, pub.events)
		})
	}
}

func TestRecordBalanceChange_PublishFailureDoesNotFailRecording(t *testing.T) {
	svc, _, pub := newTestBalanceService(t)
	pub.err = errors.New("broker down")

	change, err := svc.RecordBalanceChange(context.Background(), NewBalanceChangeInput{AccountName: "x", State: domain.StateUpdate, Balance: 1})
	require.NoError(t, err)
	assert.NotNil(t, change)
	assert.Len(t, pub.events, 1)
}

func TestRecordBalanceChange_ConcurrentDiffsAreConsistent(t *testing.T) {
	svc, mem, _ := newTestBalanceService(t)
	ctx := context.Background()

	const workers = 25
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.RecordBalanceChange(ctx, NewBalanceChangeInput{
				AccountName: "shared",
				State:       domain.StateUpdate,
				Balance:     float64(100 + i*7),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	account, err := mem.Accounts().FindByName(ctx, "shared")
	require.NoError(t, err)
	changes, err := svc.ListBalanceChanges(ctx, account.ID, nil, nil)
	require.NoError(t, err)
	require.Len(t, changes, workers)

	assert.Equal(t, 0.0, changes[0].BalanceDiff)
	sum := 0.0
	for i, c := range changes {
		sum += c.BalanceDiff
		if i > 0 {
			assert.Equal(t, c.Balance-changes[i-1].Balance, c.BalanceDiff, fmt.Sprintf("change %d", i))
		}
	}
	assert.InDelta(t, account.Balance-changes[0].Balance, sum, 1e-9)
}

func TestListBalanceChanges(t *testing.T) {
	svc, mem, _ := newTestBalanceService(t)
	ctx := context.Background()

	for _, b := range []float64{1, 2, 3} {
		_, err := svc.RecordBalanceChange(ctx, NewBalanceChangeInput{AccountName: "x", State: domain.StateUpdate, Balance: b})
		require.NoError(t, err)
	}
	account, err := mem.Accounts().FindByName(ctx, "x")
	require.NoError(t, err)

	all, err := svc.ListBalanceChanges(ctx, account.ID, nil, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)

	from := all[1].CreatedAt
	windowed, err := svc.ListBalanceChanges(ctx, account.ID, &from, nil)
	require.NoError(t, err)
	assert.Len(t, windowed, 2)

	to := all[1].CreatedAt
	windowed, err = svc.ListBalanceChanges(ctx, account.ID, nil, &to)
	require.NoError(t, err)
	assert.Len(t, windowed, 1)

	empty, err := svc.ListBalanceChanges(ctx, account.ID, &from, &to)
	require.NoError(t, err)
	assert.Empty(t, empty, "equal bounds are an empty half-open window")

	later := all[2].CreatedAt
	_, err = svc.ListBalanceChanges(ctx, account.ID, &later, &to)
	assert.ErrorIs(t, err, ErrInvalidInput)

	unknown, err := svc.ListBalanceChanges(ctx, uuid.New(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, unknown)
}
