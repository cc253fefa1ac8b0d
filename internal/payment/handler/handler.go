package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/platform/httputil"
	"carbonledger/pkg/requestcontext"
)

// Wallets is the balance book as seen by HTTP.
type Wallets interface {
	Deposit(ctx context.Context, to id.Address, amount int64) error
	Balance(ctx context.Context, owner id.Address) (int64, error)
}

type Handler struct {
	wallets Wallets
	faucet  bool
	logger  *slog.Logger
}

// New builds the wallet handler. Deposits are only routed when faucet is set,
// since they mint value out of thin air.
func New(wallets Wallets, faucet bool, logger *slog.Logger) *Handler {
	return &Handler{wallets: wallets, faucet: faucet, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/wallets/me", h.handleBalance)
	if h.faucet {
		r.Post("/wallets/me/deposit", h.handleDeposit)
	}
}

type depositRequest struct {
	Amount int64 `json:"amount"`
}

type balanceResponse struct {
	Owner   id.Address `json:"owner"`
	Balance int64      `json:"balance"`
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, err := requestcontext.RequireCaller(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	balance, err := h.wallets.Balance(ctx, caller)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to read wallet balance",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, dErrors.Internal(err, "failed to read balance"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, balanceResponse{Owner: caller, Balance: balance})
}

func (h *Handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, err := requestcontext.RequireCaller(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req depositRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.wallets.Deposit(ctx, caller, req.Amount); err != nil {
		httputil.WriteError(w, dErrors.Internal(err, "failed to deposit"))
		return
	}
	balance, err := h.wallets.Balance(ctx, caller)
	if err != nil {
		httputil.WriteError(w, dErrors.Internal(err, "failed to read balance"))
		return
	}
	h.logger.InfoContext(ctx, "faucet_deposit",
		"log_type", "audit",
		"request_id", requestcontext.RequestID(ctx),
		"caller", caller.String(),
		"amount", req.Amount,
	)
	httputil.WriteJSON(w, http.StatusOK, balanceResponse{Owner: caller, Balance: balance})
}
