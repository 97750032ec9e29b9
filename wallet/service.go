package wallet

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Ledger abstracts the repository operations the rest of the system needs.
type Ledger interface {
	Ensure(ctx context.Context, ownerID string) error
	Balance(ctx context.Context, ownerID string) (Account, error)
	Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error
}

// Service exposes business-level wallet operations.
type Service struct {
	repo Ledger
}

// NewService builds a Service using the provided repository.
func NewService(repo Ledger) *Service {
	return &Service{repo: repo}
}

// Ensure creates the backing account for a newly registered identity.
func (s *Service) Ensure(ctx context.Context, ownerID string) error {
	return s.repo.Ensure(ctx, ownerID)
}

// Balance returns the account for the given owner.
func (s *Service) Balance(ctx context.Context, ownerID string) (Account, error) {
	return s.repo.Balance(ctx, ownerID)
}
