package service

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"carbonledger/internal/oracle/metrics"
	"carbonledger/internal/oracle/models"
	"carbonledger/internal/store"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/platform/auditlog"
	"carbonledger/pkg/platform/events"
	"carbonledger/pkg/platform/sentinel"
	"carbonledger/pkg/platform/tracing"
	"carbonledger/pkg/requestcontext"
)

// Service maintains the set of identities allowed to verify credits. The set
// only grows: any member may add members, and nothing removes them.
type Service struct {
	tx      store.Tx
	audit   auditlog.Logger
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.audit = auditlog.New(logger)
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(tx store.Tx, opts ...Option) *Service {
	s := &Service{tx: tx, audit: auditlog.New(nil)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bootstrap authorizes the initializing identity. It must run before the
// service takes traffic and is safe to repeat on restart.
func (s *Service) Bootstrap(ctx context.Context, initializer id.Address) (err error) {
	ctx, span := tracing.Start(ctx, "oracle.Bootstrap", attribute.String("oracle.identity", initializer.String()))
	defer func() { tracing.End(span, err) }()

	if initializer.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "initializer cannot be the null identity")
	}
	err = s.tx.RunInTx(ctx, func(st store.Stores) error {
		now, err := st.Now(ctx)
		if err != nil {
			return err
		}
		grant := &models.Grant{Identity: initializer, GrantedAt: now}
		if err := st.Oracles().Grant(ctx, grant); err != nil && !errors.Is(err, sentinel.ErrAlreadyUsed) {
			return err
		}
		return nil
	})
	if err != nil {
		return dErrors.Internal(err, "failed to bootstrap oracle set")
	}
	s.audit.Accepted(ctx, "oracle_bootstrapped", "identity", initializer.String())
	return nil
}

// IsAuthorized reports whether identity may verify credits. Unknown
// identities are not authorized.
func (s *Service) IsAuthorized(ctx context.Context, identity id.Address) (ok bool, err error) {
	ctx, span := tracing.Start(ctx, "oracle.IsAuthorized", attribute.String("oracle.identity", identity.String()))
	defer func() { tracing.End(span, err) }()

	err = s.tx.View(ctx, func(st store.Stores) error {
		ok, err = st.Oracles().IsAuthorized(ctx, identity)
		return err
	})
	if err != nil {
		return false, dErrors.Internal(err, "failed to check oracle authority")
	}
	return ok, nil
}

// Get returns identity's grant, or CodeNotFound when it holds none.
func (s *Service) Get(ctx context.Context, identity id.Address) (grant *models.Grant, err error) {
	ctx, span := tracing.Start(ctx, "oracle.Get", attribute.String("oracle.identity", identity.String()))
	defer func() { tracing.End(span, err) }()

	err = s.tx.View(ctx, func(st store.Stores) error {
		grant, err = st.Oracles().FindByIdentity(ctx, identity)
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "identity is not an oracle")
		}
		return err
	})
	if err != nil {
		return nil, dErrors.Internal(err, "failed to load oracle grant")
	}
	return grant, nil
}

// Authorize adds identity to the oracle set on behalf of the caller, who must
// already be a member. Re-authorizing a member succeeds and is announced again.
func (s *Service) Authorize(ctx context.Context, identity id.Address) (err error) {
	ctx, span := tracing.Start(ctx, "oracle.Authorize", attribute.String("oracle.identity", identity.String()))
	defer func() { tracing.End(span, err) }()

	caller, err := requestcontext.RequireCaller(ctx)
	if err != nil {
		return err
	}
	err = s.tx.RunInTx(ctx, func(st store.Stores) error {
		now, err := st.Now(ctx)
		if err != nil {
			return err
		}
		if err := RequireOracle(ctx, st, caller); err != nil {
			return err
		}
		if identity.IsNil() {
			return dErrors.New(dErrors.CodeInvalidInput, "identity cannot be the null identity")
		}
		grant := &models.Grant{Identity: identity, GrantedBy: caller, GrantedAt: now}
		if err := st.Oracles().Grant(ctx, grant); err != nil && !errors.Is(err, sentinel.ErrAlreadyUsed) {
			return err
		}
		return st.Outbox().Stage(ctx, events.OracleAuthorized(identity, now))
	})
	if err != nil {
		err = dErrors.Internal(err, "failed to authorize oracle")
		if dErrors.HasCode(err, dErrors.CodeUnauthorized) && s.metrics != nil {
			s.metrics.IncrementRejected()
		}
		s.audit.Rejected(ctx, "authorize_oracle", err, "identity", identity.String())
		return err
	}

	s.audit.Accepted(ctx, string(events.KindOracleAuthorized), "identity", identity.String())
	if s.metrics != nil {
		s.metrics.IncrementAuthorized()
	}
	return nil
}

// RequireOracle fails with CodeUnauthorized unless identity is in the set as
// seen by st. Callers that must check authority inside their own transaction
// use it directly.
func RequireOracle(ctx context.Context, st store.Stores, identity id.Address) error {
	ok, err := st.Oracles().IsAuthorized(ctx, identity)
	if err != nil {
		return err
	}
	if !ok {
		return dErrors.New(dErrors.CodeUnauthorized, "caller is not an authorized oracle")
	}
	return nil
}
