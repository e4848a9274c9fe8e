package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vault-service/internal/service"
	"vault-service/internal/util"
)

// GroupHandler handles HTTP requests for K-of-N group vault unlock.
type GroupHandler struct {
	groupService *service.GroupService
	logger       *zap.Logger
}

func NewGroupHandler(groupService *service.GroupService, logger *zap.Logger) *GroupHandler {
	return &GroupHandler{
		groupService: groupService,
		logger:       logger,
	}
}

func (h *GroupHandler) RegisterRoutes(router chi.Router) {
	router.Route("/groups", func(r chi.Router) {
		r.Post("/", h.CreateVault)
		r.Post("/{groupID}/unlock-requests", h.RequestUnlock)
		r.Post("/unlock-requests/{requestID}/approve", h.Approve)
		r.Post("/unlock-requests/{requestID}/deny", h.Deny)
		r.Post("/unlock-requests/{requestID}/lock", h.Lock)
	})
}

type createVaultRequest struct {
	GroupID           string `json:"group_id"`
	RequiredApprovals int    `json:"required_approvals"`
}

func (h *GroupHandler) CreateVault(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createVaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	gv, err := h.groupService.CreateGroupVault(ctx, req.GroupID, req.RequiredApprovals)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Failed to create group vault")
		return
	}

	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(gv, "Group vault created"))
	h.logger.Info("Group vault created via HTTP",
		util.String("group_id", req.GroupID),
		util.Int("required_approvals", req.RequiredApprovals),
	)
}

type requestUnlockRequest struct {
	RequestedBy string `json:"requested_by"`
	Reason      string `json:"reason"`
}

func (h *GroupHandler) RequestUnlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	groupID := chi.URLParam(r, "groupID")

	var req requestUnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	unlockReq, err := h.groupService.RequestUnlock(ctx, groupID, req.RequestedBy, req.Reason)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Failed to open unlock request")
		return
	}

	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(unlockReq, "Unlock request opened"))
}

type approveRequest struct {
	ApproverID string `json:"approver_id"`
}

func (h *GroupHandler) Approve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "requestID")

	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	result, err := h.groupService.Approve(ctx, requestID, req.ApproverID)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Approval refused")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(result, "Approval recorded"))
}

type denyRequest struct {
	DeniedBy string `json:"denied_by"`
}

func (h *GroupHandler) Deny(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "requestID")

	var req denyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	if err := h.groupService.Deny(ctx, requestID, req.DeniedBy); err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Failed to deny unlock request")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Unlock request denied"))
}

func (h *GroupHandler) Lock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chi.URLParam(r, "requestID")

	if err := h.groupService.Lock(ctx, requestID); err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Failed to lock group vault")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Group vault locked"))
}
