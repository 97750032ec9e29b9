package escrow

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"reclaim/auth"
	"reclaim/clock"
	"reclaim/events"
	"reclaim/wallet"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// FundsMover is the slice of the wallet the escrow ledger uses. Transfers run
// inside the escrow operation's transaction so funds and status commit
// together or not at all.
type FundsMover interface {
	Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error
}

// OutboxWriter appends events within the operation's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service runs the escrow state machine: deposit, release, refund, dispute,
// resolution, and the arbitrator's emergency escape hatch. Each operation is
// one transaction and keeps the running custodied total in lockstep with the
// Active/Disputed escrow set.
type Service struct {
	pool   TxBeginner
	repo   Repository
	funds  FundsMover
	clock  clock.Clock
	outbox OutboxWriter
}

// NewService wires the escrow ledger.
func NewService(pool TxBeginner, repo Repository, funds FundsMover, clk clock.Clock, outbox OutboxWriter) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		funds:  funds,
		clock:  clk,
		outbox: outbox,
	}
}

// Create custodies amount from the caller for the given asset. The escrow
// expires Timeout ticks from now; until then only the depositor can release
// it, after that only refund it.
func (s *Service) Create(ctx context.Context, callerID string, assetID, amount int64) (Escrow, error) {
	if callerID == "" {
		return Escrow{}, ErrUnauthorized
	}
	if amount <= 0 {
		return Escrow{}, fmt.Errorf("escrow: amount must be positive: %w", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := s.clock.Now()
	created, err := s.repo.Insert(ctx, tx, Escrow{
		AssetID:     assetID,
		DepositorID: callerID,
		Amount:      amount,
		Status:      StatusActive,
		CreatedTime: now,
		ExpiresTime: now + Timeout,
	})
	if err != nil {
		return Escrow{}, err
	}

	if err := s.funds.Transfer(ctx, tx, callerID, wallet.CustodyAccount, amount); err != nil {
		return Escrow{}, err
	}
	if err := s.repo.AdjustTotal(ctx, tx, amount); err != nil {
		return Escrow{}, err
	}

	if err := s.enqueue(ctx, tx, events.TopicEscrowCreated, map[string]any{
		"asset_id": assetID,
		"amount":   amount,
	}); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return created, nil
}

// Release pays the custodied amount out to the beneficiary and opens the
// dispute window. Depositor only, Active only, at or before expiry.
func (s *Service) Release(ctx context.Context, callerID string, assetID int64, beneficiaryID string) (Escrow, error) {
	if beneficiaryID == "" {
		return Escrow{}, fmt.Errorf("escrow: beneficiary is required: %w", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, assetID)
	if err != nil {
		return Escrow{}, err
	}
	if callerID != e.DepositorID {
		return Escrow{}, ErrUnauthorized
	}
	if e.Status != StatusActive {
		return Escrow{}, fmt.Errorf("escrow: release requires active, escrow is %s: %w", e.Status, ErrEscrowLocked)
	}
	now := s.clock.Now()
	if now > e.ExpiresTime {
		return Escrow{}, ErrEscrowExpired
	}

	if err := s.funds.Transfer(ctx, tx, wallet.CustodyAccount, beneficiaryID, e.Amount); err != nil {
		return Escrow{}, err
	}

	deadline := now + DisputeWindow
	e.Status = StatusReleased
	e.BeneficiaryID = &beneficiaryID
	e.ReleasedTime = &now
	e.DisputeDeadline = &deadline
	updated, err := s.repo.Update(ctx, tx, e)
	if err != nil {
		return Escrow{}, err
	}
	if err := s.repo.AdjustTotal(ctx, tx, -e.Amount); err != nil {
		return Escrow{}, err
	}

	if err := s.enqueue(ctx, tx, events.TopicEscrowReleased, map[string]any{
		"asset_id":       assetID,
		"beneficiary_id": beneficiaryID,
		"amount":         e.Amount,
	}); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return updated, nil
}

// Refund returns the custodied amount to the depositor after expiry.
// Depositor only, Active only, strictly after the expiry tick.
func (s *Service) Refund(ctx context.Context, callerID string, assetID int64) (Escrow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, assetID)
	if err != nil {
		return Escrow{}, err
	}
	if callerID != e.DepositorID {
		return Escrow{}, ErrUnauthorized
	}
	if e.Status != StatusActive {
		return Escrow{}, fmt.Errorf("escrow: refund requires active, escrow is %s: %w", e.Status, ErrEscrowLocked)
	}
	if s.clock.Now() <= e.ExpiresTime {
		return Escrow{}, ErrNotYetExpired
	}

	if err := s.funds.Transfer(ctx, tx, wallet.CustodyAccount, e.DepositorID, e.Amount); err != nil {
		return Escrow{}, err
	}

	e.Status = StatusRefunded
	updated, err := s.repo.Update(ctx, tx, e)
	if err != nil {
		return Escrow{}, err
	}
	if err := s.repo.AdjustTotal(ctx, tx, -e.Amount); err != nil {
		return Escrow{}, err
	}

	if err := s.enqueue(ctx, tx, events.TopicEscrowRefunded, map[string]any{
		"asset_id": assetID,
		"amount":   e.Amount,
	}); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return updated, nil
}

// InitiateDispute contests a released escrow within the dispute window.
// Either the depositor or the beneficiary may open it, once. Funds already
// left custody at release; the disputed amount re-enters the tracked total
// because resolution will pay it out of custody again.
func (s *Service) InitiateDispute(ctx context.Context, callerID string, assetID int64, reason string) (Dispute, error) {
	if reason == "" {
		return Dispute{}, fmt.Errorf("escrow: reason is required: %w", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Dispute{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, assetID)
	if err != nil {
		return Dispute{}, err
	}
	if callerID != e.DepositorID && (e.BeneficiaryID == nil || callerID != *e.BeneficiaryID) {
		return Dispute{}, ErrUnauthorized
	}
	if e.Status != StatusReleased {
		return Dispute{}, fmt.Errorf("escrow: dispute requires released, escrow is %s: %w", e.Status, ErrEscrowLocked)
	}
	now := s.clock.Now()
	if e.DisputeDeadline == nil || now > *e.DisputeDeadline {
		return Dispute{}, fmt.Errorf("escrow: dispute window closed: %w", ErrEscrowExpired)
	}

	d, err := s.repo.InsertDispute(ctx, tx, Dispute{
		AssetID:     assetID,
		InitiatorID: callerID,
		Reason:      reason,
		OpenedTime:  now,
	})
	if err != nil {
		return Dispute{}, err
	}

	e.Status = StatusDisputed
	if _, err := s.repo.Update(ctx, tx, e); err != nil {
		return Dispute{}, err
	}
	if err := s.repo.AdjustTotal(ctx, tx, e.Amount); err != nil {
		return Dispute{}, err
	}

	if err := s.enqueue(ctx, tx, events.TopicEscrowDisputed, map[string]any{
		"asset_id":     assetID,
		"initiator_id": callerID,
		"delta":        events.DeltaDisputeOpened,
	}); err != nil {
		return Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Dispute{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return d, nil
}

// ResolveDispute settles a contested escrow. Arbitrator only; pays the
// amount out of custody to the depositor or the stored beneficiary and flips
// the dispute's resolved flag, which guards against a second settlement.
// Custody pays a second time here on top of the original release transfer;
// the custody account is allowed to overdraw for exactly this reason and the
// shortfall is a reconciliation item, not a rejection.
func (s *Service) ResolveDispute(ctx context.Context, callerID string, callerRole auth.Role, assetID int64, awardToDepositor bool) (Escrow, error) {
	if callerRole != auth.RoleArbitrator {
		return Escrow{}, ErrUnauthorized
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, assetID)
	if err != nil {
		return Escrow{}, err
	}
	if e.Status != StatusDisputed {
		return Escrow{}, fmt.Errorf("escrow: resolve requires disputed, escrow is %s: %w", e.Status, ErrEscrowLocked)
	}

	d, err := s.repo.GetDisputeForUpdate(ctx, tx, assetID)
	if err != nil {
		return Escrow{}, err
	}
	if d.Resolved {
		return Escrow{}, ErrDisputeResolved
	}

	recipient := e.DepositorID
	if !awardToDepositor {
		if e.BeneficiaryID == nil {
			return Escrow{}, ErrNoBeneficiary
		}
		recipient = *e.BeneficiaryID
	}

	if err := s.funds.Transfer(ctx, tx, wallet.CustodyAccount, recipient, e.Amount); err != nil {
		return Escrow{}, err
	}

	if awardToDepositor {
		e.Status = StatusRefunded
	} else {
		e.Status = StatusReleased
	}
	updated, err := s.repo.Update(ctx, tx, e)
	if err != nil {
		return Escrow{}, err
	}
	if err := s.repo.MarkDisputeResolved(ctx, tx, assetID); err != nil {
		return Escrow{}, err
	}
	if err := s.repo.AdjustTotal(ctx, tx, -e.Amount); err != nil {
		return Escrow{}, err
	}

	if err := s.enqueue(ctx, tx, events.TopicDisputeResolved, map[string]any{
		"asset_id":           assetID,
		"award_to_depositor": awardToDepositor,
		"recipient_id":       recipient,
		"amount":             e.Amount,
	}); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return updated, nil
}

// EmergencyRefund forces a refund to the depositor regardless of status or
// timing. Arbitrator only. It emits the normal refund trail plus its own
// marker so audits can tell the paths apart.
func (s *Service) EmergencyRefund(ctx context.Context, callerID string, callerRole auth.Role, assetID int64) (Escrow, error) {
	if callerRole != auth.RoleArbitrator {
		return Escrow{}, ErrUnauthorized
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, assetID)
	if err != nil {
		return Escrow{}, err
	}

	if err := s.funds.Transfer(ctx, tx, wallet.CustodyAccount, e.DepositorID, e.Amount); err != nil {
		return Escrow{}, err
	}

	// Only Active and Disputed escrows sit in the tracked total.
	wasTracked := e.Status == StatusActive || e.Status == StatusDisputed
	if e.Status == StatusDisputed {
		if err := s.repo.MarkDisputeResolved(ctx, tx, assetID); err != nil {
			return Escrow{}, err
		}
	}

	e.Status = StatusRefunded
	updated, err := s.repo.Update(ctx, tx, e)
	if err != nil {
		return Escrow{}, err
	}
	if wasTracked {
		if err := s.repo.AdjustTotal(ctx, tx, -e.Amount); err != nil {
			return Escrow{}, err
		}
	}

	if err := s.enqueue(ctx, tx, events.TopicEscrowRefunded, map[string]any{
		"asset_id": assetID,
		"amount":   e.Amount,
	}); err != nil {
		return Escrow{}, err
	}
	if err := s.enqueue(ctx, tx, events.TopicEscrowEmergencyRefunded, map[string]any{
		"asset_id":      assetID,
		"arbitrator_id": callerID,
	}); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return updated, nil
}

// Get returns the escrow for an asset.
func (s *Service) Get(ctx context.Context, assetID int64) (Escrow, error) {
	return s.repo.Get(ctx, assetID)
}

// Total returns the running custodied total.
func (s *Service) Total(ctx context.Context) (int64, error) {
	return s.repo.Total(ctx)
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Enqueue(ctx, tx, topic, payload)
}
