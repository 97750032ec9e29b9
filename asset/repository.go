package asset

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the referenced asset does not exist.
	ErrNotFound = errors.New("asset: not found")
	// ErrAlreadyExists signals an id collision; with counter-assigned ids this
	// is structurally impossible and kept as a defensive check only.
	ErrAlreadyExists = errors.New("asset: already exists")
	// ErrUnauthorized signals the caller is neither owner nor finder.
	ErrUnauthorized = errors.New("asset: unauthorized")
	// ErrInvalidInput signals an empty or out-of-range field.
	ErrInvalidInput = errors.New("asset: invalid input")
	// ErrInvalidStatus signals an illegal status value or transition.
	ErrInvalidStatus = errors.New("asset: invalid status")
)

// Repository defines the data access the service needs. All writes run
// inside the service's transaction.
type Repository interface {
	NextID(ctx context.Context, tx pgx.Tx) (int64, error)
	Insert(ctx context.Context, tx pgx.Tx, a Asset) (Asset, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Asset, error)
	SetStatus(ctx context.Context, tx pgx.Tx, a Asset) (Asset, error)
	BumpCategory(ctx context.Context, tx pgx.Tx, category string, status Status) error
	Get(ctx context.Context, id int64) (Asset, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Asset, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const assetColumns = `id, owner_id::text, finder_id::text, category, description, last_seen_location,
       found_location, status, reward, report_time, found_time, content_hash, secret, created_at, updated_at`

// NextID claims the next sequential asset id. The counter row update commits
// with the insert, so failed reports never consume an id.
func (r *PGRepository) NextID(ctx context.Context, tx pgx.Tx) (int64, error) {
	var next int64
	err := tx.QueryRow(ctx, `
		UPDATE counters SET value = value + 1
		WHERE name = 'next_asset_id'
		RETURNING value - 1
	`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("asset: next id: %w", err)
	}
	return next, nil
}

// Insert stores a new asset record.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, a Asset) (Asset, error) {
	const query = `
		INSERT INTO assets (id, owner_id, finder_id, category, description, last_seen_location,
		                    found_location, status, reward, report_time, found_time, content_hash, secret)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + assetColumns

	stored, err := scanAsset(tx.QueryRow(ctx, query,
		a.ID, a.OwnerID, a.FinderID, a.Category, a.Description, a.LastSeenLocation,
		a.FoundLocation, a.Status, a.Reward, a.ReportTime, a.FoundTime, a.ContentHash, a.Secret,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Asset{}, ErrAlreadyExists
		}
		return Asset{}, fmt.Errorf("asset: insert: %w", err)
	}
	return stored, nil
}

// GetForUpdate loads an asset and locks its row for the transaction.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE id = $1 FOR UPDATE`
	a, err := scanAsset(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, ErrNotFound
		}
		return Asset{}, fmt.Errorf("asset: get for update: %w", err)
	}
	return a, nil
}

// SetStatus persists status, finder, found location, and found time.
func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, a Asset) (Asset, error) {
	const query = `
		UPDATE assets
		SET status = $2, finder_id = $3, found_location = $4, found_time = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + assetColumns

	updated, err := scanAsset(tx.QueryRow(ctx, query, a.ID, a.Status, a.FinderID, a.FoundLocation, a.FoundTime))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, ErrNotFound
		}
		return Asset{}, fmt.Errorf("asset: set status: %w", err)
	}
	return updated, nil
}

// BumpCategory increments the per-category tally for the report kind.
func (r *PGRepository) BumpCategory(ctx context.Context, tx pgx.Tx, category string, status Status) error {
	column := "lost_count"
	if status == StatusFound {
		column = "found_count"
	}
	query := fmt.Sprintf(`
		INSERT INTO category_counts (category, %[1]s) VALUES ($1, 1)
		ON CONFLICT (category) DO UPDATE SET %[1]s = category_counts.%[1]s + 1
	`, column)
	if _, err := tx.Exec(ctx, query, category); err != nil {
		return fmt.Errorf("asset: bump category %s: %w", category, err)
	}
	return nil
}

// Get fetches an asset outside any transaction.
func (r *PGRepository) Get(ctx context.Context, id int64) (Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE id = $1`
	a, err := scanAsset(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, ErrNotFound
		}
		return Asset{}, fmt.Errorf("asset: get: %w", err)
	}
	return a, nil
}

// ListByOwner returns the caller's reports, newest first.
func (r *PGRepository) ListByOwner(ctx context.Context, ownerID string) ([]Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE owner_id = $1 ORDER BY id DESC`
	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("asset: list by owner: %w", err)
	}
	defer rows.Close()

	out := make([]Asset, 0, 8)
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("asset: scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("asset: iterate: %w", err)
	}
	return out, nil
}

func scanAsset(row pgx.Row) (Asset, error) {
	var a Asset
	err := row.Scan(
		&a.ID,
		&a.OwnerID,
		&a.FinderID,
		&a.Category,
		&a.Description,
		&a.LastSeenLocation,
		&a.FoundLocation,
		&a.Status,
		&a.Reward,
		&a.ReportTime,
		&a.FoundTime,
		&a.ContentHash,
		&a.Secret,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return Asset{}, err
	}
	return a, nil
}
