package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInsufficientFunds signals the source balance cannot cover the transfer.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	// ErrNotFound signals the account does not exist.
	ErrNotFound = errors.New("wallet: account not found")
	// ErrInvalidAmount signals a non-positive transfer amount.
	ErrInvalidAmount = errors.New("wallet: amount must be positive")
)

// Repository provides balance access and the atomic transfer primitive.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Ensure creates the account row if it does not exist yet.
func (r *Repository) Ensure(ctx context.Context, ownerID string) error {
	if _, err := r.pool.Exec(ctx, `INSERT INTO accounts (owner_id) VALUES ($1) ON CONFLICT DO NOTHING`, ownerID); err != nil {
		return fmt.Errorf("wallet: ensure account: %w", err)
	}
	return nil
}

// Balance fetches the current balance for an owner.
func (r *Repository) Balance(ctx context.Context, ownerID string) (Account, error) {
	const query = `
		SELECT owner_id, balance, updated_at
		FROM accounts
		WHERE owner_id = $1
	`

	var acct Account
	err := r.pool.QueryRow(ctx, query, ownerID).Scan(&acct.OwnerID, &acct.Balance, &acct.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("wallet: query balance: %w", err)
	}
	return acct, nil
}

// Credit adds funds to an account, creating it if needed. Used for
// out-of-band funding (seed data, top-ups); escrow flows go through Transfer.
func (r *Repository) Credit(ctx context.Context, ownerID string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	const query = `
		INSERT INTO accounts (owner_id, balance) VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()
	`
	if _, err := r.pool.Exec(ctx, query, ownerID, amount); err != nil {
		return fmt.Errorf("wallet: credit: %w", err)
	}
	return nil
}

// Transfer moves amount between two accounts inside the caller's transaction.
// Rows are locked in lexical order so concurrent transfers cannot deadlock.
// The custody account may overdraw; every other source must cover the amount.
func (r *Repository) Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if from == "" || to == "" || from == to {
		return fmt.Errorf("wallet: invalid transfer endpoints %q -> %q", from, to)
	}

	// The destination may not have a row yet; credits never fail on that.
	if _, err := tx.Exec(ctx, `INSERT INTO accounts (owner_id) VALUES ($1) ON CONFLICT DO NOTHING`, to); err != nil {
		return fmt.Errorf("wallet: ensure destination: %w", err)
	}

	first, second := from, to
	if second < first {
		first, second = second, first
	}
	for _, owner := range []string{first, second} {
		var locked string
		if err := tx.QueryRow(ctx, `SELECT owner_id FROM accounts WHERE owner_id = $1 FOR UPDATE`, owner).Scan(&locked); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("wallet: lock account %s: %w", owner, err)
		}
	}

	var fromBalance int64
	if err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE owner_id = $1`, from).Scan(&fromBalance); err != nil {
		return fmt.Errorf("wallet: read source balance: %w", err)
	}
	if from != CustodyAccount && fromBalance < amount {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $2, updated_at = NOW() WHERE owner_id = $1`, from, amount); err != nil {
		return fmt.Errorf("wallet: debit %s: %w", from, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $2, updated_at = NOW() WHERE owner_id = $1`, to, amount); err != nil {
		return fmt.Errorf("wallet: credit %s: %w", to, err)
	}
	return nil
}
