package match

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"reclaim/asset"
	"reclaim/clock"
	"reclaim/events"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AssetLedger is the slice of the asset repository the match engine reads.
type AssetLedger interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (asset.Asset, error)
	Get(ctx context.Context, id int64) (asset.Asset, error)
}

// OutboxWriter appends events within the operation's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service proposes, scores, verifies, and rejects pairings between a Lost
// asset and a Found asset.
type Service struct {
	pool   TxBeginner
	repo   Repository
	assets AssetLedger
	clock  clock.Clock
	outbox OutboxWriter
}

// NewService wires the match engine.
func NewService(pool TxBeginner, repo Repository, assets AssetLedger, clk clock.Clock, outbox OutboxWriter) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		assets: assets,
		clock:  clk,
		outbox: outbox,
	}
}

// Propose records a pending match between a Lost and a Found asset and
// returns the frozen score. Only the lost asset's owner or the found asset's
// finder may propose.
func (s *Service) Propose(ctx context.Context, callerID string, lostID, foundID int64) (int, error) {
	if lostID == foundID {
		return 0, ErrSelfReferential
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("match: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lost, found, err := s.lockPair(ctx, tx, lostID, foundID)
	if err != nil {
		return 0, err
	}

	if lost.Status != asset.StatusLost || found.Status != asset.StatusFound {
		return 0, fmt.Errorf("match: lost=%s found=%s: %w", lost.Status, found.Status, ErrInvalidMatch)
	}
	authorized := callerID == lost.OwnerID || (found.FinderID != nil && callerID == *found.FinderID)
	if !authorized {
		return 0, ErrUnauthorized
	}

	req := Request{
		LostAssetID:  lostID,
		FoundAssetID: foundID,
		ProposerID:   callerID,
		Status:       StatusPending,
		Score:        ScoreAssets(lost.Category, found.Category, lost.Description, found.Description),
		ProposedTime: s.clock.Now(),
	}

	created, err := s.repo.Insert(ctx, tx, req)
	if err != nil {
		return 0, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"lost_asset_id":  lostID,
			"found_asset_id": foundID,
			"score":          created.Score,
		}
		if err := s.outbox.Enqueue(ctx, tx, events.TopicMatchProposed, payload); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("match: commit: %w", err)
	}
	return created.Score, nil
}

// Verify compares the candidate secret against the lost asset's stored one.
// A wrong code under budget is a successful call that returns false and burns
// an attempt; a spent budget is the hard ErrVerificationFailed. Only the lost
// asset's owner may verify.
func (s *Service) Verify(ctx context.Context, callerID string, lostID, foundID int64, candidate []byte) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("match: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lost, err := s.assets.GetForUpdate(ctx, tx, lostID)
	if err != nil {
		return false, err
	}
	if callerID != lost.OwnerID {
		return false, ErrUnauthorized
	}

	req, err := s.repo.GetForUpdate(ctx, tx, lostID, foundID)
	if err != nil {
		return false, err
	}
	if req.Status != StatusPending {
		return false, fmt.Errorf("match: request is %s: %w", req.Status, ErrInvalidStatus)
	}
	if req.Attempts >= MaxVerifyAttempts {
		return false, ErrVerificationFailed
	}

	if subtle.ConstantTimeCompare(candidate, lost.Secret) == 1 {
		now := s.clock.Now()
		req.Status = StatusVerified
		req.VerifiedTime = &now
		if _, err := s.repo.Update(ctx, tx, req); err != nil {
			return false, err
		}
		if s.outbox != nil {
			payload := map[string]any{
				"lost_asset_id":  lostID,
				"found_asset_id": foundID,
			}
			if err := s.outbox.Enqueue(ctx, tx, events.TopicMatchVerified, payload); err != nil {
				return false, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("match: commit: %w", err)
		}
		return true, nil
	}

	req.Attempts++
	if _, err := s.repo.Update(ctx, tx, req); err != nil {
		return false, err
	}
	if req.Attempts >= MaxVerifyAttempts && s.outbox != nil {
		payload := map[string]any{
			"lost_asset_id":  lostID,
			"found_asset_id": foundID,
			"proposer_id":    req.ProposerID,
			"delta":          events.DeltaFalseReport,
		}
		if err := s.outbox.Enqueue(ctx, tx, events.TopicMatchExhausted, payload); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("match: commit: %w", err)
	}
	return false, nil
}

// Reject terminates a pending request. Only the lost asset's owner may do so.
func (s *Service) Reject(ctx context.Context, callerID string, lostID, foundID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("match: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lost, err := s.assets.GetForUpdate(ctx, tx, lostID)
	if err != nil {
		return err
	}
	if callerID != lost.OwnerID {
		return ErrUnauthorized
	}

	req, err := s.repo.GetForUpdate(ctx, tx, lostID, foundID)
	if err != nil {
		return err
	}
	if req.Status != StatusPending {
		return fmt.Errorf("match: request is %s: %w", req.Status, ErrInvalidStatus)
	}

	req.Status = StatusRejected
	if _, err := s.repo.Update(ctx, tx, req); err != nil {
		return err
	}
	if s.outbox != nil {
		payload := map[string]any{
			"lost_asset_id":  lostID,
			"found_asset_id": foundID,
		}
		if err := s.outbox.Enqueue(ctx, tx, events.TopicMatchRejected, payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("match: commit: %w", err)
	}
	return nil
}

// Complete marks a verified request as done once the item changed hands.
// Either side of the pair may call it.
func (s *Service) Complete(ctx context.Context, callerID string, lostID, foundID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("match: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	lost, found, err := s.lockPair(ctx, tx, lostID, foundID)
	if err != nil {
		return err
	}
	authorized := callerID == lost.OwnerID || (found.FinderID != nil && callerID == *found.FinderID)
	if !authorized {
		return ErrUnauthorized
	}

	req, err := s.repo.GetForUpdate(ctx, tx, lostID, foundID)
	if err != nil {
		return err
	}
	if req.Status != StatusVerified {
		return fmt.Errorf("match: request is %s: %w", req.Status, ErrInvalidStatus)
	}

	req.Status = StatusCompleted
	if _, err := s.repo.Update(ctx, tx, req); err != nil {
		return err
	}
	if s.outbox != nil {
		payload := map[string]any{
			"lost_asset_id":  lostID,
			"found_asset_id": foundID,
			"delta":          events.DeltaItemReturned,
		}
		if found.FinderID != nil {
			payload["finder_id"] = *found.FinderID
		}
		if err := s.outbox.Enqueue(ctx, tx, events.TopicItemReturned, payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("match: commit: %w", err)
	}
	return nil
}

// Score returns the frozen score when a request exists, and otherwise
// computes it live from current asset data so callers can preview a pairing.
func (s *Service) Score(ctx context.Context, lostID, foundID int64) (int, error) {
	req, err := s.repo.Get(ctx, lostID, foundID)
	if err == nil {
		return req.Score, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	lost, err := s.assets.Get(ctx, lostID)
	if err != nil {
		return 0, err
	}
	found, err := s.assets.Get(ctx, foundID)
	if err != nil {
		return 0, err
	}
	return ScoreAssets(lost.Category, found.Category, lost.Description, found.Description), nil
}

// lockPair locks both asset rows in id order so concurrent proposals on the
// same pair cannot deadlock.
func (s *Service) lockPair(ctx context.Context, tx pgx.Tx, lostID, foundID int64) (asset.Asset, asset.Asset, error) {
	firstID, secondID := lostID, foundID
	if secondID < firstID {
		firstID, secondID = secondID, firstID
	}

	first, err := s.assets.GetForUpdate(ctx, tx, firstID)
	if err != nil {
		return asset.Asset{}, asset.Asset{}, err
	}
	second, err := s.assets.GetForUpdate(ctx, tx, secondID)
	if err != nil {
		return asset.Asset{}, asset.Asset{}, err
	}

	if first.ID == lostID {
		return first, second, nil
	}
	return second, first, nil
}
