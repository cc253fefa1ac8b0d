package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"carbonledger/internal/ledger/models"
	id "carbonledger/pkg/domain"
	"carbonledger/pkg/platform/httputil"
	"carbonledger/pkg/requestcontext"
)

// Service is the credit ledger as seen by HTTP.
type Service interface {
	Mint(ctx context.Context, deviceKey id.DeviceKey, co2Kg int64) (id.CreditID, error)
	Verify(ctx context.Context, creditID id.CreditID) (*models.Credit, error)
	GetCredit(ctx context.Context, creditID id.CreditID) (*models.Credit, error)
	CreditsOf(ctx context.Context, owner id.Address) ([]id.CreditID, error)
	Listings(ctx context.Context) ([]models.Listing, error)
	TotalCredits(ctx context.Context) (uint64, error)
	ProducedCO2(ctx context.Context, producer id.Address) (int64, error)
}

type Handler struct {
	ledger Service
	logger *slog.Logger
}

func New(ledger Service, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/credits", h.handleMint)
	r.Get("/credits/count", h.handleCount)
	r.Get("/credits/{id}", h.handleGetCredit)
	r.Post("/credits/{id}/verify", h.handleVerify)
	r.Get("/listings", h.handleListings)
	r.Get("/owners/{address}/credits", h.handleCreditsOf)
	r.Get("/owners/{address}/co2", h.handleProducedCO2)
}

type mintRequest struct {
	DeviceKey string `json:"device_key"`
	CO2Kg     int64  `json:"co2_kg"`
}

type mintResponse struct {
	CreditID id.CreditID `json:"credit_id"`
}

type countResponse struct {
	Total uint64 `json:"total"`
}

type creditsOfResponse struct {
	Owner   id.Address    `json:"owner"`
	Credits []id.CreditID `json:"credits"`
}

type producedResponse struct {
	Producer id.Address `json:"producer"`
	CO2Kg    int64      `json:"co2_kg"`
}

func (h *Handler) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		h.logger.WarnContext(r.Context(), "invalid mint request",
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

	creditID, err := h.ledger.Mint(r.Context(), key, req.CO2Kg)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, mintResponse{CreditID: creditID})
}

func (h *Handler) handleGetCredit(w http.ResponseWriter, r *http.Request) {
	creditID, err := id.ParseCreditID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	credit, err := h.ledger.GetCredit(r.Context(), creditID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newCreditResponse(credit))
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	creditID, err := id.ParseCreditID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	credit, err := h.ledger.Verify(r.Context(), creditID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newCreditResponse(credit))
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	total, err := h.ledger.TotalCredits(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, countResponse{Total: total})
}

func (h *Handler) handleListings(w http.ResponseWriter, r *http.Request) {
	listings, err := h.ledger.Listings(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, listings)
}

func (h *Handler) handleCreditsOf(w http.ResponseWriter, r *http.Request) {
	owner, err := id.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	ids, err := h.ledger.CreditsOf(r.Context(), owner)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, creditsOfResponse{Owner: owner, Credits: ids})
}

func (h *Handler) handleProducedCO2(w http.ResponseWriter, r *http.Request) {
	producer, err := id.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	total, err := h.ledger.ProducedCO2(r.Context(), producer)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, producedResponse{Producer: producer, CO2Kg: total})
}

// creditResponse adds the derived lifecycle status to the stored record.
type creditResponse struct {
	*models.Credit
	Status models.Status `json:"status"`
}

func newCreditResponse(c *models.Credit) creditResponse {
	return creditResponse{Credit: c, Status: c.Status()}
}
