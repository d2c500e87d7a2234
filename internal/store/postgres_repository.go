/**
 * @description
 * This file provides the PostgreSQL implementation of the store interfaces.
 * It contains the SQL for the `accounts`, `balance_changes` and `users` tables
 * and the transaction handling behind UnitOfWork.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/balancetracker/balance-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pool is the part of *pgxpool.Pool the store uses.
type pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

var _ pool = (*pgxpool.Pool)(nil)

// PostgresStore is the PostgreSQL implementation of Store.
type PostgresStore struct {
	db pool
}

// NewPostgresStore creates a new instance of PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Accounts() AccountRepository {
	return &PostgresAccountRepository{db: s.db}
}

func (s *PostgresStore) BalanceChanges() BalanceChangeRepository {
	return &PostgresBalanceChangeRepository{db: s.db}
}

func (s *PostgresStore) Users() UserRepository {
	return &PostgresUserRepository{db: s.db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

// WithinTx runs fn inside a single database transaction.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, postgresTxRepositories{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type postgresTxRepositories struct {
	tx pgx.Tx
}

func (r postgresTxRepositories) Accounts() AccountRepository {
	return &PostgresAccountRepository{db: r.tx}
}

func (r postgresTxRepositories) BalanceChanges() BalanceChangeRepository {
	return &PostgresBalanceChangeRepository{db: r.tx}
}

// PostgresAccountRepository is the PostgreSQL implementation of AccountRepository.
type PostgresAccountRepository struct {
	db querier
}

const accountColumns = `id, created_at, name, balance, is_balance_fixed, is_active, last_balance_update`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.CreatedAt, &a.Name, &a.Balance, &a.IsBalanceFixed, &a.IsActive, &a.LastBalanceUpdate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// FindByName retrieves an account by its unique name.
func (r *PostgresAccountRepository) FindByName(ctx context.Context, name string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE name = $1`
	return scanAccount(r.db.QueryRow(ctx, query, name))
}

// LockByName retrieves an account by name and locks its row for the rest of the transaction.
func (r *PostgresAccountRepository) LockByName(ctx context.Context, name string) (*domain.Account, error) {
	// Use FOR UPDATE to lock the row, serializing concurrent recordings for the same account.
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE name = $1 FOR UPDATE`
	return scanAccount(r.db.QueryRow(ctx, query, name))
}

// FindByID retrieves an account by its ID.
func (r *PostgresAccountRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, id))
}

// List retrieves all accounts ordered by name.
func (r *PostgresAccountRepository) List(ctx context.Context) ([]domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY name`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	accounts := []domain.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account row: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// Create inserts a new account. A concurrent insert of the same name makes
// this call wait for the other transaction and then report ErrAccountExists.
func (r *PostgresAccountRepository) Create(ctx context.Context, account *domain.Account) (*domain.Account, error) {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	query := `
        INSERT INTO accounts (id, name, balance, is_balance_fixed, is_active, last_balance_update)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (name) DO NOTHING
        RETURNING created_at
    `
	err := r.db.QueryRow(ctx, query,
		account.ID,
		account.Name,
		account.Balance,
		account.IsBalanceFixed,
		account.IsActive,
		account.LastBalanceUpdate,
	).Scan(&account.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// Update persists the mutable fields of an account.
func (r *PostgresAccountRepository) Update(ctx context.Context, account *domain.Account) (*domain.Account, error) {
	query := `
        UPDATE accounts
        SET balance = $2, is_balance_fixed = $3, is_active = $4, last_balance_update = $5
        WHERE id = $1
    `
	result, err := r.db.Exec(ctx, query,
		account.ID,
		account.Balance,
		account.IsBalanceFixed,
		account.IsActive,
		account.LastBalanceUpdate,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, ErrAccountNotFound
	}
	return account, nil
}

// PostgresBalanceChangeRepository is the PostgreSQL implementation of BalanceChangeRepository.
type PostgresBalanceChangeRepository struct {
	db querier
}

// Create appends a balance change record. created_at is assigned by the database.
func (r *PostgresBalanceChangeRepository) Create(ctx context.Context, change *domain.BalanceChange) (*domain.BalanceChange, error) {
	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	query := `
        INSERT INTO balance_changes (id, account_id, state_raw, state, balance, balance_diff)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING created_at
    `
	err := r.db.QueryRow(ctx, query,
		change.ID,
		change.AccountID,
		string(change.StateRaw),
		string(change.State),
		change.Balance,
		change.BalanceDiff,
	).Scan(&change.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance change: %w", err)
	}
	return change, nil
}

// ListByAccount retrieves the changes of one account in creation order.
func (r *PostgresBalanceChangeRepository) ListByAccount(ctx context.Context, accountID uuid.UUID, window TimeWindow) ([]domain.BalanceChange, error) {
	var sb strings.Builder
	sb.WriteString(`
        SELECT id, created_at, account_id, state_raw, state, balance, balance_diff
        FROM balance_changes
        WHERE account_id = $1`)
	args := []any{accountID}
	if window.From != nil {
		args = append(args, *window.From)
		fmt.Fprintf(&sb, " AND created_at >= $%d", len(args))
	}
	if window.To != nil {
		args = append(args, *window.To)
		fmt.Fprintf(&sb, " AND created_at < $%d", len(args))
	}
	sb.WriteString(" ORDER BY created_at, id")

	rows, err := r.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance changes: %w", err)
	}
	defer rows.Close()

	changes := []domain.BalanceChange{}
	for rows.Next() {
		var c domain.BalanceChange
		var stateRaw, state string
		if err := rows.Scan(&c.ID, &c.CreatedAt, &c.AccountID, &stateRaw, &state, &c.Balance, &c.BalanceDiff); err != nil {
			return nil, fmt.Errorf("failed to scan balance change row: %w", err)
		}
		c.StateRaw = domain.BalanceChangeState(stateRaw)
		c.State = domain.BalanceChangeState(state)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
