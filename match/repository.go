package match

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals no request exists for the pair.
	ErrNotFound = errors.New("match: not found")
	// ErrAlreadyExists signals a live request already exists for the pair.
	ErrAlreadyExists = errors.New("match: request already exists")
	// ErrUnauthorized signals the caller may not act on this request.
	ErrUnauthorized = errors.New("match: unauthorized")
	// ErrInvalidMatch signals the referenced assets are not a Lost/Found pair.
	ErrInvalidMatch = errors.New("match: assets are not matchable")
	// ErrSelfReferential signals lost and found ids are the same record.
	ErrSelfReferential = errors.New("match: self-referential pair")
	// ErrInvalidStatus signals the request is not in the required state.
	ErrInvalidStatus = errors.New("match: invalid request status")
	// ErrVerificationFailed signals the attempt budget is exhausted.
	ErrVerificationFailed = errors.New("match: verification attempts exhausted")
)

// Repository defines the data access the match engine needs.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, lostID, foundID int64) (Request, error)
	Update(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	Get(ctx context.Context, lostID, foundID int64) (Request, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requestColumns = `lost_asset_id, found_asset_id, proposer_id::text, status, score, attempts,
       proposed_time, verified_time, created_at, updated_at`

// Insert stores a new pending request. The pair primary key enforces
// at-most-one live request per (lost, found) pair.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	const query = `
		INSERT INTO match_requests (lost_asset_id, found_asset_id, proposer_id, status, score, proposed_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + requestColumns

	stored, err := scanRequest(tx.QueryRow(ctx, query,
		req.LostAssetID, req.FoundAssetID, req.ProposerID, req.Status, req.Score, req.ProposedTime,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Request{}, ErrAlreadyExists
		}
		return Request{}, fmt.Errorf("match: insert: %w", err)
	}
	return stored, nil
}

// GetForUpdate loads a request and locks its row for the transaction.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, lostID, foundID int64) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM match_requests WHERE lost_asset_id = $1 AND found_asset_id = $2 FOR UPDATE`
	req, err := scanRequest(tx.QueryRow(ctx, query, lostID, foundID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("match: get for update: %w", err)
	}
	return req, nil
}

// Update persists status, attempts, and verified time.
func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	const query = `
		UPDATE match_requests
		SET status = $3, attempts = $4, verified_time = $5, updated_at = NOW()
		WHERE lost_asset_id = $1 AND found_asset_id = $2
		RETURNING ` + requestColumns

	updated, err := scanRequest(tx.QueryRow(ctx, query,
		req.LostAssetID, req.FoundAssetID, req.Status, req.Attempts, req.VerifiedTime,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("match: update: %w", err)
	}
	return updated, nil
}

// Get fetches a request outside any transaction.
func (r *PGRepository) Get(ctx context.Context, lostID, foundID int64) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM match_requests WHERE lost_asset_id = $1 AND found_asset_id = $2`
	req, err := scanRequest(r.pool.QueryRow(ctx, query, lostID, foundID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("match: get: %w", err)
	}
	return req, nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	err := row.Scan(
		&req.LostAssetID,
		&req.FoundAssetID,
		&req.ProposerID,
		&req.Status,
		&req.Score,
		&req.Attempts,
		&req.ProposedTime,
		&req.VerifiedTime,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return Request{}, err
	}
	return req, nil
}
