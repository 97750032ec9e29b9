package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"reclaim/asset"
	"reclaim/auth"
	"reclaim/escrow"
	"reclaim/match"
	"reclaim/wallet"
)

type stubAuthService struct {
	user     *auth.User
	register error
	login    auth.LoginResult
	loginErr error
	userID   string
	role     auth.Role
	verify   error
}

func (s *stubAuthService) Register(_ context.Context, _ auth.RegisterRequest) (*auth.User, error) {
	return s.user, s.register
}

func (s *stubAuthService) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return s.login, s.loginErr
}

func (s *stubAuthService) VerifyToken(_ string) (string, auth.Role, error) {
	return s.userID, s.role, s.verify
}

type stubAssetService struct {
	asset   asset.Asset
	assets  []asset.Asset
	err     error
	listErr error
}

func (s *stubAssetService) ReportLost(_ context.Context, _ string, _ asset.ReportLostParams) (asset.Asset, error) {
	return s.asset, s.err
}

func (s *stubAssetService) ReportFound(_ context.Context, _ string, _ asset.ReportFoundParams) (asset.Asset, error) {
	return s.asset, s.err
}

func (s *stubAssetService) UpdateStatus(_ context.Context, _ string, _ asset.UpdateStatusParams) (asset.Asset, error) {
	return s.asset, s.err
}

func (s *stubAssetService) Get(_ context.Context, _ int64) (asset.Asset, error) {
	return s.asset, s.err
}

func (s *stubAssetService) ListByOwner(_ context.Context, _ string) ([]asset.Asset, error) {
	return s.assets, s.listErr
}

type stubMatchService struct {
	score      int
	proposeErr error
	verified   bool
	verifyErr  error
	rejectErr  error
	complete   error
	scoreErr   error
}

func (s *stubMatchService) Propose(_ context.Context, _ string, _, _ int64) (int, error) {
	return s.score, s.proposeErr
}

func (s *stubMatchService) Verify(_ context.Context, _ string, _, _ int64, _ []byte) (bool, error) {
	return s.verified, s.verifyErr
}

func (s *stubMatchService) Reject(_ context.Context, _ string, _, _ int64) error {
	return s.rejectErr
}

func (s *stubMatchService) Complete(_ context.Context, _ string, _, _ int64) error {
	return s.complete
}

func (s *stubMatchService) Score(_ context.Context, _, _ int64) (int, error) {
	return s.score, s.scoreErr
}

type stubEscrowService struct {
	escrow  escrow.Escrow
	dispute escrow.Dispute
	err     error
}

func (s *stubEscrowService) Create(_ context.Context, _ string, _, _ int64) (escrow.Escrow, error) {
	return s.escrow, s.err
}

func (s *stubEscrowService) Release(_ context.Context, _ string, _ int64, _ string) (escrow.Escrow, error) {
	return s.escrow, s.err
}

func (s *stubEscrowService) Refund(_ context.Context, _ string, _ int64) (escrow.Escrow, error) {
	return s.escrow, s.err
}

func (s *stubEscrowService) InitiateDispute(_ context.Context, _ string, _ int64, _ string) (escrow.Dispute, error) {
	return s.dispute, s.err
}

func (s *stubEscrowService) ResolveDispute(_ context.Context, _ string, _ auth.Role, _ int64, _ bool) (escrow.Escrow, error) {
	return s.escrow, s.err
}

func (s *stubEscrowService) EmergencyRefund(_ context.Context, _ string, _ auth.Role, _ int64) (escrow.Escrow, error) {
	return s.escrow, s.err
}

func (s *stubEscrowService) Get(_ context.Context, _ int64) (escrow.Escrow, error) {
	return s.escrow, s.err
}

type stubWalletService struct {
	account wallet.Account
	err     error
}

func (s *stubWalletService) Balance(_ context.Context, _ string) (wallet.Account, error) {
	return s.account, s.err
}

func testServer() *Server {
	return &Server{logger: slog.New(slog.NewTextHandler(&strings.Builder{}, nil))}
}

func authed(req *http.Request, userID string, role auth.Role) *http.Request {
	ctx := context.WithValue(req.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return req.WithContext(ctx)
}

func withPathParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleRegister_Success(t *testing.T) {
	server := testServer()
	server.authService = &stubAuthService{
		user: &auth.User{ID: "u1", Email: "a@b.c", FullName: "Ann", Role: auth.RoleMember},
	}

	body := strings.NewReader(`{"email":"a@b.c","password":"longenough","full_name":"Ann"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", body)
	rec := httptest.NewRecorder()

	server.handleRegister(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var resp userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "u1" || resp.Role != "member" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleRegister_DuplicateEmail(t *testing.T) {
	server := testServer()
	server.authService = &stubAuthService{register: auth.ErrDuplicateEmail}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"email":"a@b.c","password":"longenough","full_name":"Ann"}`))
	rec := httptest.NewRecorder()

	server.handleRegister(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "already_exists" {
		t.Fatalf("expected already_exists, got %s", code)
	}
}

func TestRequireAuth(t *testing.T) {
	server := testServer()
	server.authService = &stubAuthService{userID: "u1", role: auth.RoleMember}

	var gotUser string
	var gotRole auth.Role
	handler := server.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = callerID(r)
		gotRole = callerRole(r)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/wallet", nil)
	req.Header.Set("Authorization", "Bearer token-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotUser != "u1" || gotRole != auth.RoleMember {
		t.Fatalf("identity not propagated: user=%s role=%s", gotUser, gotRole)
	}

	// Missing header is rejected before the handler runs.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/wallet", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleReportLost_Success(t *testing.T) {
	server := testServer()
	server.assetService = &stubAssetService{
		asset: asset.Asset{ID: 1, OwnerID: "u1", Category: "phone", Status: asset.StatusLost, ReportTime: 7},
	}

	body := strings.NewReader(`{"category":"phone","description":"black pixel 8","last_seen_location":"station","reward":500,"contact_hash":"aa","secret":"` + strings.Repeat("02", 32) + `"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/api/assets/lost", body), "u1", auth.RoleMember)
	rec := httptest.NewRecorder()

	server.handleReportLost(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp assetResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 1 || resp.Status != "lost" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleReportLost_BadSecretEncoding(t *testing.T) {
	server := testServer()
	server.assetService = &stubAssetService{}

	body := strings.NewReader(`{"category":"phone","description":"d","last_seen_location":"l","secret":"not-hex"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/api/assets/lost", body), "u1", auth.RoleMember)
	rec := httptest.NewRecorder()

	server.handleReportLost(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleProposeMatch_SelfReferential(t *testing.T) {
	server := testServer()
	server.matchService = &stubMatchService{proposeErr: match.ErrSelfReferential}

	body := strings.NewReader(`{"lost_asset_id":3,"found_asset_id":3}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/api/matches", body), "u1", auth.RoleMember)
	rec := httptest.NewRecorder()

	server.handleProposeMatch(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "self_referential" {
		t.Fatalf("expected self_referential, got %s", code)
	}
}

func TestHandleVerifyMatch_TwoTierResult(t *testing.T) {
	t.Run("mismatch is 200 false", func(t *testing.T) {
		server := testServer()
		server.matchService = &stubMatchService{verified: false}

		body := strings.NewReader(`{"lost_asset_id":1,"found_asset_id":2,"secret":"ff"}`)
		req := authed(httptest.NewRequest(http.MethodPost, "/api/matches/verify", body), "u1", auth.RoleMember)
		rec := httptest.NewRecorder()

		server.handleVerifyMatch(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp map[string]bool
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp["verified"] {
			t.Fatal("expected verified=false")
		}
	})

	t.Run("exhausted budget is 403", func(t *testing.T) {
		server := testServer()
		server.matchService = &stubMatchService{verifyErr: match.ErrVerificationFailed}

		body := strings.NewReader(`{"lost_asset_id":1,"found_asset_id":2,"secret":"ff"}`)
		req := authed(httptest.NewRequest(http.MethodPost, "/api/matches/verify", body), "u1", auth.RoleMember)
		rec := httptest.NewRecorder()

		server.handleVerifyMatch(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
		if code := errorCode(t, rec); code != "verification_failed" {
			t.Fatalf("expected verification_failed, got %s", code)
		}
	})
}

func TestHandleRefundEscrow_NotYetExpired(t *testing.T) {
	server := testServer()
	server.escrowService = &stubEscrowService{err: escrow.ErrNotYetExpired}

	req := authed(httptest.NewRequest(http.MethodPost, "/api/escrows/1/refund", nil), "u1", auth.RoleMember)
	req = withPathParam(req, "assetID", "1")
	rec := httptest.NewRecorder()

	server.handleRefundEscrow(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "not_yet_expired" {
		t.Fatalf("expected not_yet_expired, got %s", code)
	}
}

func TestHandleReleaseEscrow_Success(t *testing.T) {
	deadline := int64(1298)
	released := int64(1010)
	beneficiary := "finder-1"
	server := testServer()
	server.escrowService = &stubEscrowService{
		escrow: escrow.Escrow{
			AssetID:         1,
			DepositorID:     "u1",
			BeneficiaryID:   &beneficiary,
			Amount:          1000,
			Status:          escrow.StatusReleased,
			ReleasedTime:    &released,
			DisputeDeadline: &deadline,
		},
	}

	body := strings.NewReader(`{"beneficiary_id":"finder-1"}`)
	req := authed(httptest.NewRequest(http.MethodPost, "/api/escrows/1/release", body), "u1", auth.RoleMember)
	req = withPathParam(req, "assetID", "1")
	rec := httptest.NewRecorder()

	server.handleReleaseEscrow(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp escrowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "released" || resp.DisputeDeadline == nil || *resp.DisputeDeadline != 1298 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleGetEscrow_BadID(t *testing.T) {
	server := testServer()
	server.escrowService = &stubEscrowService{}

	req := authed(httptest.NewRequest(http.MethodGet, "/api/escrows/abc", nil), "u1", auth.RoleMember)
	req = withPathParam(req, "assetID", "abc")
	rec := httptest.NewRecorder()

	server.handleGetEscrow(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleWallet_Success(t *testing.T) {
	server := testServer()
	server.walletService = &stubWalletService{account: wallet.Account{OwnerID: "u1", Balance: 750}}

	req := authed(httptest.NewRequest(http.MethodGet, "/api/wallet", nil), "u1", auth.RoleMember)
	rec := httptest.NewRecorder()

	server.handleWallet(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		OwnerID string `json:"owner_id"`
		Balance int64  `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OwnerID != "u1" || resp.Balance != 750 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return resp["error"]
}
