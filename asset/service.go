package asset

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"reclaim/clock"
	"reclaim/events"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OutboxWriter appends events within the operation's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns the asset ledger: reports, status lifecycle, category tallies.
// Every mutating operation is a single transaction; all preconditions are
// checked before any write so a failure leaves no side effects.
type Service struct {
	pool   TxBeginner
	repo   Repository
	clock  clock.Clock
	outbox OutboxWriter
}

// NewService wires the asset ledger.
func NewService(pool TxBeginner, repo Repository, clk clock.Clock, outbox OutboxWriter) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		clock:  clk,
		outbox: outbox,
	}
}

// ReportLost registers a lost item for the caller and returns the new record.
func (s *Service) ReportLost(ctx context.Context, callerID string, params ReportLostParams) (Asset, error) {
	if callerID == "" {
		return Asset{}, fmt.Errorf("asset: missing caller: %w", ErrUnauthorized)
	}
	if params.Category == "" || params.Description == "" || params.LastSeenLocation == "" {
		return Asset{}, fmt.Errorf("asset: category, description, and location are required: %w", ErrInvalidInput)
	}
	if len(params.Secret) != SecretLen {
		return Asset{}, fmt.Errorf("asset: secret must be %d bytes: %w", SecretLen, ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Asset{}, fmt.Errorf("asset: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err := s.repo.NextID(ctx, tx)
	if err != nil {
		return Asset{}, err
	}

	record := Asset{
		ID:               id,
		OwnerID:          callerID,
		Category:         params.Category,
		Description:      params.Description,
		LastSeenLocation: params.LastSeenLocation,
		Status:           StatusLost,
		Reward:           params.Reward,
		ReportTime:       s.clock.Now(),
		ContentHash:      params.ContactHash,
		Secret:           params.Secret,
	}

	created, err := s.repo.Insert(ctx, tx, record)
	if err != nil {
		return Asset{}, err
	}
	if err := s.repo.BumpCategory(ctx, tx, created.Category, StatusLost); err != nil {
		return Asset{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"asset_id": created.ID,
			"category": created.Category,
		}
		if err := s.outbox.Enqueue(ctx, tx, events.TopicAssetLostReported, payload); err != nil {
			return Asset{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Asset{}, fmt.Errorf("asset: commit: %w", err)
	}
	return created, nil
}

// ReportFound registers a found item. The caller is recorded as both owner
// and finder of the report, and the secret is the all-zero sentinel.
func (s *Service) ReportFound(ctx context.Context, callerID string, params ReportFoundParams) (Asset, error) {
	if callerID == "" {
		return Asset{}, fmt.Errorf("asset: missing caller: %w", ErrUnauthorized)
	}
	if params.Category == "" || params.Description == "" || params.FoundLocation == "" {
		return Asset{}, fmt.Errorf("asset: category, description, and location are required: %w", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Asset{}, fmt.Errorf("asset: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err := s.repo.NextID(ctx, tx)
	if err != nil {
		return Asset{}, err
	}

	now := s.clock.Now()
	finder := callerID
	location := params.FoundLocation
	record := Asset{
		ID:               id,
		OwnerID:          callerID,
		FinderID:         &finder,
		Category:         params.Category,
		Description:      params.Description,
		LastSeenLocation: params.FoundLocation,
		FoundLocation:    &location,
		Status:           StatusFound,
		ReportTime:       now,
		FoundTime:        &now,
		ContentHash:      params.ContactHash,
		Secret:           ZeroSecret(),
	}

	created, err := s.repo.Insert(ctx, tx, record)
	if err != nil {
		return Asset{}, err
	}
	if err := s.repo.BumpCategory(ctx, tx, created.Category, StatusFound); err != nil {
		return Asset{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"asset_id": created.ID,
			"category": created.Category,
		}
		if err := s.outbox.Enqueue(ctx, tx, events.TopicAssetFoundReported, payload); err != nil {
			return Asset{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Asset{}, fmt.Errorf("asset: commit: %w", err)
	}
	return created, nil
}

// UpdateStatus moves an asset along the allowed lifecycle edges. Only the
// current owner or finder may call it. Entering Found stamps found_time once
// and records the finder.
func (s *Service) UpdateStatus(ctx context.Context, callerID string, params UpdateStatusParams) (Asset, error) {
	if !ValidStatus(params.NewStatus) {
		return Asset{}, fmt.Errorf("asset: unknown status %q: %w", params.NewStatus, ErrInvalidStatus)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Asset{}, fmt.Errorf("asset: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetForUpdate(ctx, tx, params.AssetID)
	if err != nil {
		return Asset{}, err
	}

	if callerID != a.OwnerID && (a.FinderID == nil || callerID != *a.FinderID) {
		return Asset{}, ErrUnauthorized
	}
	if !CanTransition(a.Status, params.NewStatus) {
		return Asset{}, fmt.Errorf("asset: %s -> %s: %w", a.Status, params.NewStatus, ErrInvalidStatus)
	}

	if params.Finder != nil && *params.Finder != "" {
		a.FinderID = params.Finder
	}
	if params.FoundLocation != nil && *params.FoundLocation != "" {
		a.FoundLocation = params.FoundLocation
	}

	enteringFound := params.NewStatus == StatusFound
	if enteringFound {
		if a.FoundTime == nil {
			now := s.clock.Now()
			a.FoundTime = &now
		}
		if a.FinderID == nil {
			finder := callerID
			a.FinderID = &finder
		}
	}
	a.Status = params.NewStatus

	updated, err := s.repo.SetStatus(ctx, tx, a)
	if err != nil {
		return Asset{}, err
	}

	if s.outbox != nil {
		var topic string
		payload := map[string]any{"asset_id": updated.ID}
		switch updated.Status {
		case StatusFound:
			topic = events.TopicAssetFound
			payload["delta"] = events.DeltaItemFound
			if updated.FinderID != nil {
				payload["finder_id"] = *updated.FinderID
			}
		case StatusReturned:
			topic = events.TopicAssetReturned
			payload["delta"] = events.DeltaItemReturned
			if updated.FinderID != nil {
				payload["finder_id"] = *updated.FinderID
			}
		}
		if topic != "" {
			if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
				return Asset{}, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Asset{}, fmt.Errorf("asset: commit: %w", err)
	}
	return updated, nil
}

// Get returns the asset by id.
func (s *Service) Get(ctx context.Context, id int64) (Asset, error) {
	return s.repo.Get(ctx, id)
}

// ListByOwner returns all reports created by the given identity.
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]Asset, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}
