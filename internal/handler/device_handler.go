package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"vault-service/internal/model"
	"vault-service/internal/service"
	"vault-service/internal/util"
)

// DeviceHandler handles HTTP requests for device-bound unlock credentials.
type DeviceHandler struct {
	deviceService *service.DeviceService
	logger        *zap.Logger
}

func NewDeviceHandler(deviceService *service.DeviceService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		deviceService: deviceService,
		logger:        logger,
	}
}

func (h *DeviceHandler) RegisterRoutes(router chi.Router) {
	router.Route("/devices", func(r chi.Router) {
		r.Post("/enroll", h.Enroll)
		r.Post("/unlock", h.Unlock)
		r.Get("/{userID}", h.List)
		r.Delete("/{userID}/{fingerprint}", h.Revoke)
	})
}

type enrollRequest struct {
	UserID               string `json:"user_id"`
	DeviceFingerprint    string `json:"device_fingerprint"`
	DeviceName           string `json:"device_name"`
	WebauthnCredentialID string `json:"webauthn_credential_id"`
	WebauthnPublicKey    string `json:"webauthn_public_key"`
}

func (h *DeviceHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	result, err := h.deviceService.Enroll(ctx, req.UserID, req.DeviceFingerprint, req.DeviceName, req.WebauthnCredentialID, req.WebauthnPublicKey)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Failed to enroll device")
		return
	}

	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(result, "Device enrolled; the key is shown once"))
	h.logger.Info("Device enrolled via HTTP",
		util.String("user_id", req.UserID),
		util.String("device_name", req.DeviceName),
	)
}

type deviceUnlockRequest struct {
	UserID            string `json:"user_id"`
	DeviceFingerprint string `json:"device_fingerprint"`
	DeviceKey         string `json:"device_key"`
	WebauthnCounter   uint32 `json:"webauthn_counter"`
	CapabilityID      string `json:"capability_id,omitempty"`
	Kind              string `json:"kind,omitempty"`
}

func (h *DeviceHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req deviceUnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, service.ErrInvalidInput, "Invalid request body")
		return
	}

	result, err := h.deviceService.UnlockWithDevice(ctx, req.UserID, req.DeviceFingerprint, req.DeviceKey, req.WebauthnCounter, req.CapabilityID, model.VaultKind(req.Kind))
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Unlock refused")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(result, "Vault unlocked"))
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")

	keys, err := h.deviceService.ListDevices(ctx, userID)
	if err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Failed to list devices")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(keys, "Devices retrieved"))
}

func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")
	fingerprint := chi.URLParam(r, "fingerprint")

	if err := h.deviceService.Revoke(ctx, userID, fingerprint); err != nil {
		respondWithError(w, h.logger, getStatusCode(err), publicError(err), "Failed to revoke device")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Device revoked"))
	h.logger.Info("Device revoked via HTTP",
		util.String("user_id", userID),
		util.String("device_fingerprint", fingerprint),
	)
}
