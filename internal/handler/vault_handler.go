package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vault-service/internal/model"
	"vault-service/internal/service"
	"vault-service/internal/util"
)

// VaultHandler handles HTTP requests for the challenge-response unlock
// protocol and session vault migration.
type VaultHandler struct {
	unlockService *service.UnlockService
	sessionVault  *service.SessionVaultService
	logger        *zap.Logger
}

func NewVaultHandler(unlockService *service.UnlockService, sessionVault *service.SessionVaultService, logger *zap.Logger) *VaultHandler {
	return &VaultHandler{
		unlockService: unlockService,
		sessionVault:  sessionVault,
		logger:        logger,
	}
}

func (h *VaultHandler) RegisterRoutes(router chi.Router) {
	router.Route("/vaults/{kind}", func(r chi.Router) {
		r.Post("/verifier", h.Register)
		r.Post("/challenge", h.IssueChallenge)
		r.Post("/verify", h.Verify)
		r.Post("/extend", h.Extend)
		r.Post("/lock", h.Lock)
		r.Get("/session/{subjectID}", h.GetSession)
	})
	router.Post("/session-vault/{subjectID}/migrate", h.Migrate)
}

type registerRequest struct {
	SubjectID string `json:"subject_id"`
	Salt      string `json:"salt"`
	Verifier  string `json:"verifier"`
}

// Register stores a client-derived (salt, verifier) pair. The password never
// appears in this request.
func (h *VaultHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind := model.VaultKind(chi.URLParam(r, "kind"))

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	if err := h.unlockService.Register(ctx, req.SubjectID, kind, req.Salt, req.Verifier); err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Failed to register verifier")
		return
	}

	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(nil, "Verifier registered"))
}

type challengeRequest struct {
	SubjectID string `json:"subject_id"`
}

func (h *VaultHandler) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	kind := model.VaultKind(chi.URLParam(r, "kind"))

	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	ch, err := h.unlockService.IssueChallenge(ctx, req.SubjectID, kind)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Failed to issue challenge")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(ch, "Challenge issued"))
	h.logger.Debug("Challenge issued via HTTP",
		util.String("kind", string(kind)),
		util.Duration("duration", time.Since(startTime)),
	)
}

type verifyRequest struct {
	SubjectID   string `json:"subject_id"`
	ChallengeID string `json:"challenge_id"`
	Proof       string `json:"proof"`
}

func (h *VaultHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	kind := model.VaultKind(chi.URLParam(r, "kind"))

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	result, err := h.unlockService.Verify(ctx, req.SubjectID, kind, req.ChallengeID, req.Proof)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Unlock refused")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(result, "Vault unlocked"))
	h.logger.Info("Vault unlocked via HTTP",
		util.String("kind", string(kind)),
		util.Duration("duration", time.Since(startTime)),
	)
}

type subjectRequest struct {
	SubjectID string `json:"subject_id"`
}

func (h *VaultHandler) Extend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind := model.VaultKind(chi.URLParam(r, "kind"))

	var req subjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	result, err := h.unlockService.Extend(ctx, req.SubjectID, kind)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Failed to extend session")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(result, "Session extended"))
}

func (h *VaultHandler) Lock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind := model.VaultKind(chi.URLParam(r, "kind"))

	var req subjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	if err := h.unlockService.Lock(ctx, req.SubjectID, kind); err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Failed to lock vault")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Vault locked"))
}

func (h *VaultHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	kind := model.VaultKind(chi.URLParam(r, "kind"))
	subjectID := chi.URLParam(r, "subjectID")

	session, err := h.unlockService.GetSession(ctx, subjectID, kind)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Failed to read session")
		return
	}
	if session == nil {
		respondWithJSON(w, h.logger, http.StatusOK, successResponse(map[string]bool{"unlocked": false}, "Vault is locked"))
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(session, "Vault is unlocked"))
}

func (h *VaultHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()
	subjectID := chi.URLParam(r, "subjectID")

	result, err := h.sessionVault.MigrateUnencrypted(ctx, subjectID)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Migration refused")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(result, "Migration pass finished"))
	h.logger.Info("Session record migration via HTTP",
		util.Int("migrated", len(result.Migrated)),
		util.Int("failed", len(result.Failed)),
		util.Duration("duration", time.Since(startTime)),
	)
}
