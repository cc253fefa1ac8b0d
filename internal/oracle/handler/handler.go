package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	id "carbonledger/pkg/domain"
	"carbonledger/pkg/platform/httputil"
	"carbonledger/pkg/requestcontext"
)

// Service is the oracle authority set as seen by HTTP.
type Service interface {
	Authorize(ctx context.Context, identity id.Address) error
	IsAuthorized(ctx context.Context, identity id.Address) (bool, error)
}

type Handler struct {
	oracles Service
	logger  *slog.Logger
}

func New(oracles Service, logger *slog.Logger) *Handler {
	return &Handler{oracles: oracles, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/oracles", h.handleAuthorize)
	r.Get("/oracles/{identity}", h.handleIsAuthorized)
}

type authorizeRequest struct {
	Identity string `json:"identity"`
}

type authorizationResponse struct {
	Identity   id.Address `json:"identity"`
	Authorized bool       `json:"authorized"`
}

// handleAuthorize adds an identity to the oracle set. Only existing oracles may call it.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		h.logger.WarnContext(r.Context(), "invalid authorize oracle request",
			"request_id", requestcontext.RequestID(r.Context()),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	// The null identity is passed through so the service reports it after the authority check.
	identity := id.Address(req.Identity)
	if req.Identity != "" {
		parsed, err := id.ParseAddress(req.Identity)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		identity = parsed
	}

	if err := h.oracles.Authorize(r.Context(), identity); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, authorizationResponse{Identity: identity, Authorized: true})
}

func (h *Handler) handleIsAuthorized(w http.ResponseWriter, r *http.Request) {
	identity, err := id.ParseAddress(chi.URLParam(r, "identity"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	ok, err := h.oracles.IsAuthorized(r.Context(), identity)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, authorizationResponse{Identity: identity, Authorized: ok})
}
