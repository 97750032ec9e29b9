package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals no escrow exists for the asset.
	ErrNotFound = errors.New("escrow: not found")
	// ErrAlreadyExists signals an escrow already custodies this asset's reward.
	ErrAlreadyExists = errors.New("escrow: escrow already exists")
	// ErrDisputeExists signals the escrow was already contested once.
	ErrDisputeExists = errors.New("escrow: dispute already exists")
	// ErrDisputeNotFound signals no dispute record exists for the asset.
	ErrDisputeNotFound = errors.New("escrow: dispute not found")
	// ErrUnauthorized signals the caller may not act on this escrow.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrInvalidInput signals an empty or out-of-range field.
	ErrInvalidInput = errors.New("escrow: invalid input")
	// ErrEscrowLocked signals the escrow is not in the status the operation needs.
	ErrEscrowLocked = errors.New("escrow: wrong escrow status")
	// ErrEscrowExpired signals the operation arrived after its window closed.
	ErrEscrowExpired = errors.New("escrow: window expired")
	// ErrNotYetExpired signals a refund attempted before expiry.
	ErrNotYetExpired = errors.New("escrow: not yet expired")
	// ErrDisputeResolved signals the dispute outcome was already settled.
	ErrDisputeResolved = errors.New("escrow: dispute already resolved")
	// ErrNoBeneficiary signals a disputed escrow with no stored beneficiary.
	// Disputed implies Released implies a beneficiary, so this is corruption.
	ErrNoBeneficiary = errors.New("escrow: disputed escrow has no beneficiary")
)

// Repository defines the data access the escrow ledger needs. The running
// total lives in the counters table and is adjusted in the same transaction
// as the status change it accounts for.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, e Escrow) (Escrow, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, assetID int64) (Escrow, error)
	Update(ctx context.Context, tx pgx.Tx, e Escrow) (Escrow, error)
	InsertDispute(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error)
	GetDisputeForUpdate(ctx context.Context, tx pgx.Tx, assetID int64) (Dispute, error)
	MarkDisputeResolved(ctx context.Context, tx pgx.Tx, assetID int64) error
	AdjustTotal(ctx context.Context, tx pgx.Tx, delta int64) error
	Get(ctx context.Context, assetID int64) (Escrow, error)
	Total(ctx context.Context) (int64, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const escrowColumns = `asset_id, depositor_id::text, beneficiary_id::text, amount, status,
       created_time, expires_time, released_time, dispute_deadline, created_at, updated_at`

// Insert stores a new Active escrow. The asset-id primary key enforces one
// escrow per asset.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, e Escrow) (Escrow, error) {
	const query = `
		INSERT INTO escrows (asset_id, depositor_id, amount, status, created_time, expires_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + escrowColumns

	stored, err := scanEscrow(tx.QueryRow(ctx, query,
		e.AssetID, e.DepositorID, e.Amount, e.Status, e.CreatedTime, e.ExpiresTime,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Escrow{}, ErrAlreadyExists
		}
		return Escrow{}, fmt.Errorf("escrow: insert: %w", err)
	}
	return stored, nil
}

// GetForUpdate loads an escrow and locks its row for the transaction.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, assetID int64) (Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE asset_id = $1 FOR UPDATE`
	e, err := scanEscrow(tx.QueryRow(ctx, query, assetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get for update: %w", err)
	}
	return e, nil
}

// Update persists status, beneficiary, and the timing fields.
func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, e Escrow) (Escrow, error) {
	const query = `
		UPDATE escrows
		SET status = $2, beneficiary_id = $3, released_time = $4, dispute_deadline = $5, updated_at = NOW()
		WHERE asset_id = $1
		RETURNING ` + escrowColumns

	updated, err := scanEscrow(tx.QueryRow(ctx, query,
		e.AssetID, e.Status, e.BeneficiaryID, e.ReleasedTime, e.DisputeDeadline,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: update: %w", err)
	}
	return updated, nil
}

// InsertDispute stores the contest record. The asset-id primary key enforces
// at most one dispute per escrow, ever.
func (r *PGRepository) InsertDispute(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	const query = `
		INSERT INTO disputes (asset_id, initiator_id, reason, opened_time)
		VALUES ($1, $2, $3, $4)
		RETURNING asset_id, initiator_id::text, reason, opened_time, resolved, created_at, updated_at
	`

	var stored Dispute
	err := tx.QueryRow(ctx, query, d.AssetID, d.InitiatorID, d.Reason, d.OpenedTime).Scan(
		&stored.AssetID, &stored.InitiatorID, &stored.Reason, &stored.OpenedTime,
		&stored.Resolved, &stored.CreatedAt, &stored.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Dispute{}, ErrDisputeExists
		}
		return Dispute{}, fmt.Errorf("escrow: insert dispute: %w", err)
	}
	return stored, nil
}

// GetDisputeForUpdate loads and locks the dispute record.
func (r *PGRepository) GetDisputeForUpdate(ctx context.Context, tx pgx.Tx, assetID int64) (Dispute, error) {
	const query = `
		SELECT asset_id, initiator_id::text, reason, opened_time, resolved, created_at, updated_at
		FROM disputes WHERE asset_id = $1 FOR UPDATE
	`

	var d Dispute
	err := tx.QueryRow(ctx, query, assetID).Scan(
		&d.AssetID, &d.InitiatorID, &d.Reason, &d.OpenedTime,
		&d.Resolved, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrDisputeNotFound
		}
		return Dispute{}, fmt.Errorf("escrow: get dispute: %w", err)
	}
	return d, nil
}

// MarkDisputeResolved flips the resolved flag.
func (r *PGRepository) MarkDisputeResolved(ctx context.Context, tx pgx.Tx, assetID int64) error {
	tag, err := tx.Exec(ctx, `UPDATE disputes SET resolved = TRUE, updated_at = NOW() WHERE asset_id = $1`, assetID)
	if err != nil {
		return fmt.Errorf("escrow: mark dispute resolved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

// AdjustTotal moves the running custodied total by delta inside the caller's
// transaction so the counter and the escrow rows commit or roll back together.
func (r *PGRepository) AdjustTotal(ctx context.Context, tx pgx.Tx, delta int64) error {
	tag, err := tx.Exec(ctx, `UPDATE counters SET value = value + $1 WHERE name = 'escrowed_total'`, delta)
	if err != nil {
		return fmt.Errorf("escrow: adjust total: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow: escrowed_total counter row missing")
	}
	return nil
}

// Get fetches an escrow outside any transaction.
func (r *PGRepository) Get(ctx context.Context, assetID int64) (Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE asset_id = $1`
	e, err := scanEscrow(r.pool.QueryRow(ctx, query, assetID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get: %w", err)
	}
	return e, nil
}

// Total reads the running custodied total.
func (r *PGRepository) Total(ctx context.Context) (int64, error) {
	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT value FROM counters WHERE name = 'escrowed_total'`).Scan(&total); err != nil {
		return 0, fmt.Errorf("escrow: read total: %w", err)
	}
	return total, nil
}

func scanEscrow(row pgx.Row) (Escrow, error) {
	var e Escrow
	err := row.Scan(
		&e.AssetID,
		&e.DepositorID,
		&e.BeneficiaryID,
		&e.Amount,
		&e.Status,
		&e.CreatedTime,
		&e.ExpiresTime,
		&e.ReleasedTime,
		&e.DisputeDeadline,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return Escrow{}, err
	}
	return e, nil
}
