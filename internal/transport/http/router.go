package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	devicehandler "carbonledger/internal/device/handler"
	ledgerhandler "carbonledger/internal/ledger/handler"
	markethandler "carbonledger/internal/market/handler"
	oraclehandler "carbonledger/internal/oracle/handler"
	wallethandler "carbonledger/internal/payment/handler"
	"carbonledger/internal/platform/metrics"
	"carbonledger/internal/platform/middleware"
	"carbonledger/internal/store"
	"carbonledger/pkg/platform/middleware/metadata"
	"carbonledger/pkg/platform/middleware/requesttime"
)

// HealthCheck probes one backing dependency.
type HealthCheck func(ctx context.Context) error

// Deps are the services the HTTP surface delegates to.
type Deps struct {
	Logger    *slog.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Validator middleware.CallerValidator

	Devices devicehandler.Service
	Oracles oraclehandler.Service
	Ledger  ledgerhandler.Service
	Market  markethandler.Service
	Wallets wallethandler.Wallets
	Events  store.EventLog

	// RateLimit throttles authenticated callers. Nil disables throttling.
	RateLimit func(http.Handler) http.Handler

	DevFaucet bool
	Health    map[string]HealthCheck
}

// NewRouter wires every public endpoint. Ledger routes require a caller
// token; /healthz and /metrics do not.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(d.Logger))
	r.Use(middleware.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(middleware.Logger(d.Logger, d.Metrics))
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", healthHandler(d.Health))
	if d.Registry != nil {
		r.Handle("/metrics", metrics.Handler(d.Registry))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireCaller(d.Validator, d.Metrics, d.Logger))
		if d.RateLimit != nil {
			r.Use(d.RateLimit)
		}
		devicehandler.New(d.Devices, d.Logger).Register(r)
		oraclehandler.New(d.Oracles, d.Logger).Register(r)
		ledgerhandler.New(d.Ledger, d.Logger).Register(r)
		markethandler.New(d.Market, d.Logger).Register(r)
		wallethandler.New(d.Wallets, d.DevFaucet, d.Logger).Register(r)
		r.Get("/events", eventsHandler(d.Events))
	})
	return r
}
