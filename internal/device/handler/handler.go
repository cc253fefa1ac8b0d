package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"carbonledger/internal/device/models"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/platform/httputil"
	"carbonledger/pkg/requestcontext"
)

// Service is the device registry as seen by HTTP.
type Service interface {
	Register(ctx context.Context, key id.DeviceKey, deviceType string) (*models.Device, error)
	SetActive(ctx context.Context, key id.DeviceKey, active bool) (*models.Device, error)
	Get(ctx context.Context, key id.DeviceKey) (*models.Device, error)
}

type Handler struct {
	devices Service
	logger  *slog.Logger
}

func New(devices Service, logger *slog.Logger) *Handler {
	return &Handler{devices: devices, logger: logger}
}

// Register mounts the device routes on r. Callers must already be authenticated.
func (h *Handler) Register(r chi.Router) {
	r.Post("/devices", h.handleRegister)
	r.Get("/devices/{key}", h.handleGet)
	r.Put("/devices/{key}/active", h.handleSetActive)
}

type registerRequest struct {
	DeviceKey  string `json:"device_key"`
	DeviceType string `json:"device_type"`
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		h.logger.WarnContext(r.Context(), "invalid register device request",
			"request_id", requestcontext.RequestID(r.Context()),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	key, err := id.ParseDeviceKey(req.DeviceKey)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	device, err := h.devices.Register(r.Context(), key, req.DeviceType)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, device)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := id.ParseDeviceKey(chi.URLParam(r, "key"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	device, err := h.devices.Get(r.Context(), key)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, device)
}

func (h *Handler) handleSetActive(w http.ResponseWriter, r *http.Request) {
	key, err := id.ParseDeviceKey(chi.URLParam(r, "key"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req setActiveRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.Active == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "active is required"))
		return
	}

	device, err := h.devices.SetActive(r.Context(), key, *req.Active)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, device)
}
