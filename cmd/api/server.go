package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reclaim/asset"
	"reclaim/auth"
	"reclaim/escrow"
	"reclaim/match"
	"reclaim/metrics"
	"reclaim/wallet"
)

type ctxKey int

const (
	ctxKeyUserID ctxKey = iota
	ctxKeyRole
)

// AuthService is the slice of auth.Service the API layer uses.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// AssetService is the slice of asset.Service the API layer uses.
type AssetService interface {
	ReportLost(ctx context.Context, callerID string, params asset.ReportLostParams) (asset.Asset, error)
	ReportFound(ctx context.Context, callerID string, params asset.ReportFoundParams) (asset.Asset, error)
	UpdateStatus(ctx context.Context, callerID string, params asset.UpdateStatusParams) (asset.Asset, error)
	Get(ctx context.Context, id int64) (asset.Asset, error)
	ListByOwner(ctx context.Context, ownerID string) ([]asset.Asset, error)
}

// MatchService is the slice of match.Service the API layer uses.
type MatchService interface {
	Propose(ctx context.Context, callerID string, lostID, foundID int64) (int, error)
	Verify(ctx context.Context, callerID string, lostID, foundID int64, candidate []byte) (bool, error)
	Reject(ctx context.Context, callerID string, lostID, foundID int64) error
	Complete(ctx context.Context, callerID string, lostID, foundID int64) error
	Score(ctx context.Context, lostID, foundID int64) (int, error)
}

// EscrowService is the slice of escrow.Service the API layer uses.
type EscrowService interface {
	Create(ctx context.Context, callerID string, assetID, amount int64) (escrow.Escrow, error)
	Release(ctx context.Context, callerID string, assetID int64, beneficiaryID string) (escrow.Escrow, error)
	Refund(ctx context.Context, callerID string, assetID int64) (escrow.Escrow, error)
	InitiateDispute(ctx context.Context, callerID string, assetID int64, reason string) (escrow.Dispute, error)
	ResolveDispute(ctx context.Context, callerID string, callerRole auth.Role, assetID int64, awardToDepositor bool) (escrow.Escrow, error)
	EmergencyRefund(ctx context.Context, callerID string, callerRole auth.Role, assetID int64) (escrow.Escrow, error)
	Get(ctx context.Context, assetID int64) (escrow.Escrow, error)
}

// WalletService is the slice of wallet.Service the API layer uses.
type WalletService interface {
	Balance(ctx context.Context, ownerID string) (wallet.Account, error)
}

// Server is the thin HTTP layer. Handlers decode, delegate, and encode;
// authorization on records stays in the services.
type Server struct {
	logger        *slog.Logger
	metrics       *metrics.Metrics
	authService   AuthService
	assetService  AssetService
	matchService  MatchService
	escrowService EscrowService
	walletService WalletService
}

// Router wires all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/api/assets/lost", s.handleReportLost)
		r.Post("/api/assets/found", s.handleReportFound)
		r.Get("/api/assets", s.handleListAssets)
		r.Get("/api/assets/{id}", s.handleGetAsset)
		r.Patch("/api/assets/{id}/status", s.handleUpdateAssetStatus)

		r.Post("/api/matches", s.handleProposeMatch)
		r.Get("/api/matches/score", s.handleMatchScore)
		r.Post("/api/matches/verify", s.handleVerifyMatch)
		r.Post("/api/matches/reject", s.handleRejectMatch)
		r.Post("/api/matches/complete", s.handleCompleteMatch)

		r.Post("/api/escrows", s.handleCreateEscrow)
		r.Get("/api/escrows/{assetID}", s.handleGetEscrow)
		r.Post("/api/escrows/{assetID}/release", s.handleReleaseEscrow)
		r.Post("/api/escrows/{assetID}/refund", s.handleRefundEscrow)
		r.Post("/api/escrows/{assetID}/dispute", s.handleDisputeEscrow)
		r.Post("/api/escrows/{assetID}/resolve", s.handleResolveDispute)
		r.Post("/api/escrows/{assetID}/emergency-refund", s.handleEmergencyRefund)

		r.Get("/api/wallet", s.handleWallet)
	})

	return r
}

// requireAuth validates the bearer token and stashes identity in the context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func callerRole(r *http.Request) auth.Role {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorCode(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// writeError maps domain sentinels to stable error codes so clients never
// parse message text.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		status = http.StatusInternalServerError
		code   = "internal"
	)

	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, asset.ErrUnauthorized),
		errors.Is(err, match.ErrUnauthorized),
		errors.Is(err, escrow.ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, asset.ErrNotFound),
		errors.Is(err, match.ErrNotFound),
		errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, escrow.ErrDisputeNotFound),
		errors.Is(err, wallet.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, match.ErrAlreadyExists):
		status, code = http.StatusConflict, "match_already_exists"
	case errors.Is(err, asset.ErrAlreadyExists),
		errors.Is(err, escrow.ErrAlreadyExists),
		errors.Is(err, escrow.ErrDisputeExists),
		errors.Is(err, auth.ErrDuplicateEmail):
		status, code = http.StatusConflict, "already_exists"
	case errors.Is(err, match.ErrSelfReferential):
		status, code = http.StatusBadRequest, "self_referential"
	case errors.Is(err, asset.ErrInvalidInput),
		errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, auth.ErrWeakPassword):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, match.ErrInvalidMatch):
		status, code = http.StatusConflict, "invalid_match"
	case errors.Is(err, asset.ErrInvalidStatus),
		errors.Is(err, match.ErrInvalidStatus),
		errors.Is(err, escrow.ErrDisputeResolved):
		status, code = http.StatusConflict, "invalid_status"
	case errors.Is(err, match.ErrVerificationFailed):
		status, code = http.StatusForbidden, "verification_failed"
	case errors.Is(err, wallet.ErrInsufficientFunds):
		status, code = http.StatusConflict, "insufficient_funds"
	case errors.Is(err, escrow.ErrEscrowLocked),
		errors.Is(err, escrow.ErrNoBeneficiary):
		status, code = http.StatusConflict, "escrow_locked"
	case errors.Is(err, escrow.ErrEscrowExpired):
		status, code = http.StatusConflict, "escrow_expired"
	case errors.Is(err, escrow.ErrNotYetExpired):
		status, code = http.StatusConflict, "not_yet_expired"
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		writeErrorCode(w, status, code, "internal error")
		return
	}
	writeErrorCode(w, status, code, err.Error())
}
