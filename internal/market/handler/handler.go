package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	ledgermodels "carbonledger/internal/ledger/models"
	"carbonledger/internal/market/service"
	id "carbonledger/pkg/domain"
	"carbonledger/pkg/platform/httputil"
	"carbonledger/pkg/requestcontext"
)

// Service is the marketplace as seen by HTTP.
type Service interface {
	List(ctx context.Context, creditID id.CreditID, price int64) (*ledgermodels.Credit, error)
	Purchase(ctx context.Context, creditID id.CreditID, payment int64) (*service.Receipt, error)
}

type Handler struct {
	market Service
	logger *slog.Logger
}

func New(market Service, logger *slog.Logger) *Handler {
	return &Handler{market: market, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/credits/{id}/listing", h.handleList)
	r.Post("/credits/{id}/purchase", h.handlePurchase)
}

type listRequest struct {
	Price int64 `json:"price"`
}

type purchaseRequest struct {
	Payment int64 `json:"payment"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	creditID, err := id.ParseCreditID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req listRequest
	if err := h.decode(w, r, &req); err != nil {
		return
	}

	credit, err := h.market.List(r.Context(), creditID, req.Price)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ledgermodels.Listing{CreditID: credit.ID, Price: credit.Price})
}

// handlePurchase transfers the credit to the caller. The response echoes the
// settled split so clients can reconcile their wallet.
func (h *Handler) handlePurchase(w http.ResponseWriter, r *http.Request) {
	creditID, err := id.ParseCreditID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req purchaseRequest
	if err := h.decode(w, r, &req); err != nil {
		return
	}

	receipt, err := h.market.Purchase(r.Context(), creditID, req.Payment)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, receipt)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	err := httputil.DecodeJSON(w, r, dst)
	if err != nil {
		h.logger.WarnContext(r.Context(), "invalid marketplace request",
			"request_id", requestcontext.RequestID(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
		httputil.WriteError(w, err)
	}
	return err
}
