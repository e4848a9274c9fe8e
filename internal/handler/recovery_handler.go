package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vault-service/internal/service"
	"vault-service/internal/util"
)

// RecoveryHandler handles HTTP requests for social recovery.
type RecoveryHandler struct {
	recoveryService *service.RecoveryService
	logger          *zap.Logger
}

func NewRecoveryHandler(recoveryService *service.RecoveryService, logger *zap.Logger) *RecoveryHandler {
	return &RecoveryHandler{
		recoveryService: recoveryService,
		logger:          logger,
	}
}

func (h *RecoveryHandler) RegisterRoutes(router chi.Router) {
	router.Route("/recovery", func(r chi.Router) {
		r.Post("/configure", h.Configure)
		r.Post("/initiate", h.Initiate)
		r.Post("/requests/{requestID}/shards", h.SubmitShard)
		r.Post("/requests/{requestID}/collect", h.CollectShards)
		r.Post("/requests/{requestID}/cancel", h.Cancel)
	})
}

type configureRequest struct {
	UserID    string                 `json:"user_id"`
	Contacts  []service.ContactInput `json:"contacts"`
	Threshold int                    `json:"threshold"`
}

func (h *RecoveryHandler) Configure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req configureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	result, err := h.recoveryService.Configure(ctx, req.UserID, req.Contacts, req.Threshold)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Failed to configure recovery")
		return
	}

	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(result, "Recovery configured; shards are shown once"))
	h.logger.Info("Recovery configured via HTTP",
		util.String("user_id", req.UserID),
		util.Int("threshold", req.Threshold),
	)
}

type initiateRequest struct {
	UserID string `json:"user_id"`
}

func (h *RecoveryHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	result, err := h.recoveryService.Initiate(ctx, req.UserID)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Failed to initiate recovery")
		return
	}

	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(result, "Recovery initiated; the token is shown once"))
}

type submitShardRequest struct {
	Token        string `json:"token"`
	ContactEmail string `json:"contact_email"`
	Shard        string `json:"shard"`
}

func (h *RecoveryHandler) SubmitShard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "requestID")

	var req submitShardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	result, err := h.recoveryService.SubmitShard(ctx, requestID, req.Token, req.ContactEmail, req.Shard)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Shard submission refused")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(result, "Shard accepted"))
}

type collectShardsRequest struct {
	Token string `json:"token"`
}

// CollectShards hands the stored submissions to the token holder. The token
// travels in the body, not the URL, so it never lands in access logs.
func (h *RecoveryHandler) CollectShards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "requestID")

	var req collectShardsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	result, err := h.recoveryService.CollectShards(ctx, requestID, req.Token)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Shard collection refused")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(result, "Shards served for local reconstruction"))
}

type cancelRequest struct {
	UserID string `json:"user_id"`
}

func (h *RecoveryHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "requestID")

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	if err := h.recoveryService.Cancel(ctx, req.UserID, requestID); err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Failed to cancel recovery request")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Recovery request cancelled"))
}
