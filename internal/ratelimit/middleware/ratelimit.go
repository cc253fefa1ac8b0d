package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"carbonledger/internal/ratelimit/metrics"
	"carbonledger/internal/ratelimit/models"
	"carbonledger/pkg/platform/circuit"
	"carbonledger/pkg/platform/httputil"
	"carbonledger/pkg/requestcontext"
)

// BucketStore records requests against sliding windows.
type BucketStore interface {
	Allow(ctx context.Context, key string, limit models.Limit) (*models.Result, error)
}

// Middleware throttles authenticated callers per request class. When the
// primary store keeps failing the circuit opens and checks are answered by
// the in-memory fallback until the primary recovers.
type Middleware struct {
	primary  BucketStore
	fallback BucketStore
	breaker  *circuit.Breaker
	limits   map[models.Class]models.Limit
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Middleware)

func WithFallback(store BucketStore) Option {
	return func(m *Middleware) {
		m.fallback = store
	}
}

func WithMetrics(met *metrics.Metrics) Option {
	return func(m *Middleware) {
		m.metrics = met
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(m *Middleware) {
		m.breaker = b
	}
}

func New(primary BucketStore, limits map[models.Class]models.Limit, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		primary: primary,
		limits:  limits,
		logger:  logger,
		breaker: circuit.New("ratelimit"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PerCaller must run after caller authentication. GET requests draw on the
// read budget, everything else on the write budget.
func (m *Middleware) PerCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		class := models.ClassWrite
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			class = models.ClassRead
		}
		limit, ok := m.limits[class]
		if !ok || limit.Requests <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key := models.NewCallerKey(class, requestcontext.Caller(ctx))
		result, degraded, err := m.check(ctx, key, limit)
		if err != nil {
			// Both stores failed: serve the request rather than block the ledger.
			m.logger.ErrorContext(ctx, "failed to check rate limit",
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
			next.ServeHTTP(w, r)
			return
		}

		addRateLimitHeaders(w, result)
		if degraded {
			w.Header().Set("X-RateLimit-Status", "degraded")
		}
		if !result.Allowed {
			if m.metrics != nil {
				m.metrics.IncrementRejected(string(class))
			}
			m.logger.WarnContext(ctx, "rate limit exceeded",
				"class", class,
				"caller", requestcontext.Caller(ctx).String(),
				"request_id", requestcontext.RequestID(ctx),
			)
			writeRateLimitExceeded(w, result)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) check(ctx context.Context, key string, limit models.Limit) (result *models.Result, degraded bool, err error) {
	if !m.breaker.IsOpen() || m.fallback == nil {
		result, err = m.primary.Allow(ctx, key, limit)
		if err == nil {
			if _, change := m.breaker.RecordSuccess(); change.Closed {
				m.circuitChanged(ctx, false)
			}
			return result, false, nil
		}
		if _, change := m.breaker.RecordFailure(); change.Opened {
			m.circuitChanged(ctx, true)
		}
		if m.fallback == nil {
			return nil, false, err
		}
	} else if probe, probeErr := m.primary.Allow(ctx, key, limit); probeErr == nil {
		// While open every check still probes the primary so the circuit can close.
		if _, change := m.breaker.RecordSuccess(); change.Closed {
			m.circuitChanged(ctx, false)
			return probe, false, nil
		}
	} else {
		m.breaker.RecordFailure()
	}

	if m.metrics != nil {
		m.metrics.IncrementFallback()
	}
	result, err = m.fallback.Allow(ctx, key, limit)
	return result, true, err
}

func (m *Middleware) circuitChanged(ctx context.Context, open bool) {
	if m.metrics != nil {
		m.metrics.SetCircuitOpen(open)
	}
	if open {
		m.logger.WarnContext(ctx, "rate limit store unavailable, using in-memory fallback")
		return
	}
	m.logger.InfoContext(ctx, "rate limit store recovered")
}

func addRateLimitHeaders(w http.ResponseWriter, result *models.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

type rateLimitExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"error_description"`
	RetryAfter int    `json:"retry_after"`
}

func writeRateLimitExceeded(w http.ResponseWriter, result *models.Result) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, rateLimitExceededResponse{
		Error:      "rate_limit_exceeded",
		Message:    "too many requests for this caller, try again later",
		RetryAfter: result.RetryAfter,
	})
}
