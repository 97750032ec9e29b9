package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"reclaim/asset"
	"reclaim/auth"
	"reclaim/escrow"
	"reclaim/match"
)

type userResponse struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

type assetResponse struct {
	ID               int64   `json:"id"`
	OwnerID          string  `json:"owner_id"`
	FinderID         *string `json:"finder_id,omitempty"`
	Category         string  `json:"category"`
	Description      string  `json:"description"`
	LastSeenLocation string  `json:"last_seen_location"`
	FoundLocation    *string `json:"found_location,omitempty"`
	Status           string  `json:"status"`
	Reward           int64   `json:"reward"`
	ReportTime       int64   `json:"report_time"`
	FoundTime        *int64  `json:"found_time,omitempty"`
}

type escrowResponse struct {
	AssetID         int64   `json:"asset_id"`
	DepositorID     string  `json:"depositor_id"`
	BeneficiaryID   *string `json:"beneficiary_id,omitempty"`
	Amount          int64   `json:"amount"`
	Status          string  `json:"status"`
	CreatedTime     int64   `json:"created_time"`
	ExpiresTime     int64   `json:"expires_time"`
	ReleasedTime    *int64  `json:"released_time,omitempty"`
	DisputeDeadline *int64  `json:"dispute_deadline,omitempty"`
}

type disputeResponse struct {
	AssetID     int64  `json:"asset_id"`
	InitiatorID string `json:"initiator_id"`
	Reason      string `json:"reason"`
	OpenedTime  int64  `json:"opened_time"`
	Resolved    bool   `json:"resolved"`
}

func toAssetResponse(a asset.Asset) assetResponse {
	return assetResponse{
		ID:               a.ID,
		OwnerID:          a.OwnerID,
		FinderID:         a.FinderID,
		Category:         a.Category,
		Description:      a.Description,
		LastSeenLocation: a.LastSeenLocation,
		FoundLocation:    a.FoundLocation,
		Status:           string(a.Status),
		Reward:           a.Reward,
		ReportTime:       a.ReportTime,
		FoundTime:        a.FoundTime,
	}
}

func toEscrowResponse(e escrow.Escrow) escrowResponse {
	return escrowResponse{
		AssetID:         e.AssetID,
		DepositorID:     e.DepositorID,
		BeneficiaryID:   e.BeneficiaryID,
		Amount:          e.Amount,
		Status:          string(e.Status),
		CreatedTime:     e.CreatedTime,
		ExpiresTime:     e.ExpiresTime,
		ReleasedTime:    e.ReleasedTime,
		DisputeDeadline: e.DisputeDeadline,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		FullName string `json:"full_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	user, err := s.authService.Register(r.Context(), auth.RegisterRequest{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, userResponse{
		ID:       user.ID,
		Email:    user.Email,
		FullName: user.FullName,
		Role:     string(user.Role),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	result, err := s.authService.Login(r.Context(), auth.LoginRequest{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user": userResponse{
			ID:       result.User.ID,
			Email:    result.User.Email,
			FullName: result.User.FullName,
			Role:     string(result.User.Role),
		},
	})
}

func (s *Server) handleReportLost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category         string `json:"category"`
		Description      string `json:"description"`
		LastSeenLocation string `json:"last_seen_location"`
		Reward           int64  `json:"reward"`
		ContactHash      string `json:"contact_hash"`
		Secret           string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	secret, err := hex.DecodeString(req.Secret)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "secret must be hex-encoded")
		return
	}
	contactHash, err := hex.DecodeString(req.ContactHash)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "contact_hash must be hex-encoded")
		return
	}

	created, err := s.assetService.ReportLost(r.Context(), callerID(r), asset.ReportLostParams{
		Category:         req.Category,
		Description:      req.Description,
		LastSeenLocation: req.LastSeenLocation,
		Reward:           req.Reward,
		ContactHash:      contactHash,
		Secret:           secret,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.AssetsReported.WithLabelValues("lost").Inc()
	}
	writeJSON(w, http.StatusCreated, toAssetResponse(created))
}

func (s *Server) handleReportFound(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category      string `json:"category"`
		Description   string `json:"description"`
		FoundLocation string `json:"found_location"`
		ContactHash   string `json:"contact_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	contactHash, err := hex.DecodeString(req.ContactHash)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "contact_hash must be hex-encoded")
		return
	}

	created, err := s.assetService.ReportFound(r.Context(), callerID(r), asset.ReportFoundParams{
		Category:      req.Category,
		Description:   req.Description,
		FoundLocation: req.FoundLocation,
		ContactHash:   contactHash,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.AssetsReported.WithLabelValues("found").Inc()
	}
	writeJSON(w, http.StatusCreated, toAssetResponse(created))
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := s.assetService.ListByOwner(r.Context(), callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	items := make([]assetResponse, 0, len(assets))
	for _, a := range assets {
		items = append(items, toAssetResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	a, err := s.assetService.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssetResponse(a))
}

func (s *Server) handleUpdateAssetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Status        string  `json:"status"`
		Finder        *string `json:"finder_id,omitempty"`
		FoundLocation *string `json:"found_location,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	updated, err := s.assetService.UpdateStatus(r.Context(), callerID(r), asset.UpdateStatusParams{
		AssetID:       id,
		NewStatus:     asset.Status(req.Status),
		Finder:        req.Finder,
		FoundLocation: req.FoundLocation,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssetResponse(updated))
}

type matchPairRequest struct {
	LostAssetID  int64 `json:"lost_asset_id"`
	FoundAssetID int64 `json:"found_asset_id"`
}

func (s *Server) handleProposeMatch(w http.ResponseWriter, r *http.Request) {
	var req matchPairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	score, err := s.matchService.Propose(r.Context(), callerID(r), req.LostAssetID, req.FoundAssetID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.MatchesProposed.Inc()
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"lost_asset_id":  req.LostAssetID,
		"found_asset_id": req.FoundAssetID,
		"score":          score,
	})
}

func (s *Server) handleMatchScore(w http.ResponseWriter, r *http.Request) {
	lostID, err := strconv.ParseInt(r.URL.Query().Get("lost"), 10, 64)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "lost must be an integer asset id")
		return
	}
	foundID, err := strconv.ParseInt(r.URL.Query().Get("found"), 10, 64)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "found must be an integer asset id")
		return
	}

	score, err := s.matchService.Score(r.Context(), lostID, foundID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"score": score})
}

func (s *Server) handleVerifyMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		matchPairRequest
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	candidate, err := hex.DecodeString(req.Secret)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "secret must be hex-encoded")
		return
	}

	verified, err := s.matchService.Verify(r.Context(), callerID(r), req.LostAssetID, req.FoundAssetID, candidate)
	if err != nil {
		if s.metrics != nil && errors.Is(err, match.ErrVerificationFailed) {
			s.metrics.MatchesVerified.WithLabelValues("exhausted").Inc()
		}
		s.writeError(w, err)
		return
	}

	if s.metrics != nil {
		result := "mismatch"
		if verified {
			result = "ok"
		}
		s.metrics.MatchesVerified.WithLabelValues(result).Inc()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": verified})
}

func (s *Server) handleRejectMatch(w http.ResponseWriter, r *http.Request) {
	var req matchPairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	if err := s.matchService.Reject(r.Context(), callerID(r), req.LostAssetID, req.FoundAssetID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompleteMatch(w http.ResponseWriter, r *http.Request) {
	var req matchPairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	if err := s.matchService.Complete(r.Context(), callerID(r), req.LostAssetID, req.FoundAssetID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetID int64 `json:"asset_id"`
		Amount  int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	created, err := s.escrowService.Create(r.Context(), callerID(r), req.AssetID, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.countEscrow("created")
	writeJSON(w, http.StatusCreated, toEscrowResponse(created))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	assetID, ok := pathID(w, r, "assetID")
	if !ok {
		return
	}

	e, err := s.escrowService.Get(r.Context(), assetID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	assetID, ok := pathID(w, r, "assetID")
	if !ok {
		return
	}

	var req struct {
		BeneficiaryID string `json:"beneficiary_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	e, err := s.escrowService.Release(r.Context(), callerID(r), assetID, req.BeneficiaryID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.countEscrow("released")
	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

func (s *Server) handleRefundEscrow(w http.ResponseWriter, r *http.Request) {
	assetID, ok := pathID(w, r, "assetID")
	if !ok {
		return
	}

	e, err := s.escrowService.Refund(r.Context(), callerID(r), assetID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.countEscrow("refunded")
	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

func (s *Server) handleDisputeEscrow(w http.ResponseWriter, r *http.Request) {
	assetID, ok := pathID(w, r, "assetID")
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	d, err := s.escrowService.InitiateDispute(r.Context(), callerID(r), assetID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.countEscrow("disputed")
	writeJSON(w, http.StatusCreated, disputeResponse{
		AssetID:     d.AssetID,
		InitiatorID: d.InitiatorID,
		Reason:      d.Reason,
		OpenedTime:  d.OpenedTime,
		Resolved:    d.Resolved,
	})
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	assetID, ok := pathID(w, r, "assetID")
	if !ok {
		return
	}

	var req struct {
		AwardToDepositor bool `json:"award_to_depositor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid request body")
		return
	}

	e, err := s.escrowService.ResolveDispute(r.Context(), callerID(r), callerRole(r), assetID, req.AwardToDepositor)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.countEscrow("resolved")
	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

func (s *Server) handleEmergencyRefund(w http.ResponseWriter, r *http.Request) {
	assetID, ok := pathID(w, r, "assetID")
	if !ok {
		return
	}

	e, err := s.escrowService.EmergencyRefund(r.Context(), callerID(r), callerRole(r), assetID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.countEscrow("emergency")
	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	acct, err := s.walletService.Balance(r.Context(), callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner_id": acct.OwnerID,
		"balance":  acct.Balance,
	})
}

func (s *Server) countEscrow(outcome string) {
	if s.metrics != nil {
		s.metrics.EscrowsSettled.WithLabelValues(outcome).Inc()
	}
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", param+" must be an integer asset id")
		return 0, false
	}
	return id, true
}
