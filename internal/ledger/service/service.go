package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	devicemodels "carbonledger/internal/device/models"
	"carbonledger/internal/ledger/metrics"
	"carbonledger/internal/ledger/models"
	oracleservice "carbonledger/internal/oracle/service"
	"carbonledger/internal/store"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/platform/auditlog"
	"carbonledger/pkg/platform/events"
	"carbonledger/pkg/platform/sentinel"
	"carbonledger/pkg/platform/tracing"
	"carbonledger/pkg/requestcontext"
)

// Service mints and verifies credits and answers ledger queries.
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

// Mint records a CO2 reduction reported by the owner of deviceKey and returns
// the new credit's id. Checks run in order: device exists, caller owns it,
// device is active, amount is positive.
func (s *Service) Mint(ctx context.Context, deviceKey id.DeviceKey, co2Kg int64) (creditID id.CreditID, err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "ledger.Mint",
		attribute.String("device.key", deviceKey.String()),
		attribute.Int64("credit.co2_kg", co2Kg),
	)
	defer func() {
		tracing.End(span, err)
		s.observe("mint", start)
	}()

	caller, err := requestcontext.RequireCaller(ctx)
	if err != nil {
		return 0, err
	}
	err = s.tx.RunInTx(ctx, func(st store.Stores) error {
		now, err := st.Now(ctx)
		if err != nil {
			return err
		}
		device, err := loadDevice(ctx, st, deviceKey)
		if err != nil {
			return err
		}
		if err := device.CanMint(caller); err != nil {
			return err
		}
		next, err := st.Credits().NextID(ctx)
		if err != nil {
			return err
		}
		credit, err := models.NewCredit(next, deviceKey, caller, co2Kg, now)
		if err != nil {
			return err
		}
		if err := st.Credits().Create(ctx, credit); err != nil {
			return err
		}
		device.ApplyCreditMinted()
		if err := st.Devices().Update(ctx, device); err != nil {
			return err
		}
		creditID = next
		return st.Outbox().Stage(ctx, events.CreditGenerated(next, caller, co2Kg, deviceKey, now))
	})
	if err != nil {
		err = dErrors.Internal(err, "failed to mint credit")
		s.audit.Rejected(ctx, "mint_credit", err, "device_key", deviceKey.String())
		return 0, err
	}

	s.audit.Accepted(ctx, string(events.KindCreditGenerated),
		"credit_id", uint64(creditID),
		"device_key", deviceKey.String(),
		"co2_kg", co2Kg,
	)
	if s.metrics != nil {
		s.metrics.IncrementMinted(co2Kg)
	}
	return creditID, nil
}

// Verify marks a credit as attested by the calling oracle. A credit is
// verified at most once; repeats fail with CodeAlreadyVerified.
func (s *Service) Verify(ctx context.Context, creditID id.CreditID) (credit *models.Credit, err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "ledger.Verify", attribute.Int64("credit.id", int64(creditID)))
	defer func() {
		tracing.End(span, err)
		s.observe("verify", start)
	}()

	caller, err := requestcontext.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	err = s.tx.RunInTx(ctx, func(st store.Stores) error {
		now, err := st.Now(ctx)
		if err != nil {
			return err
		}
		if err := oracleservice.RequireOracle(ctx, st, caller); err != nil {
			return err
		}
		found, err := LoadCredit(ctx, st, creditID)
		if err != nil {
			return err
		}
		if err := found.CanVerify(); err != nil {
			return err
		}
		found.ApplyVerification(caller, now)
		if err := st.Credits().Update(ctx, found); err != nil {
			return err
		}
		credit = found
		return st.Outbox().Stage(ctx, events.CreditVerified(creditID, caller, now))
	})
	if err != nil {
		err = dErrors.Internal(err, "failed to verify credit")
		s.audit.Rejected(ctx, "verify_credit", err, "credit_id", uint64(creditID))
		return nil, err
	}

	s.audit.Accepted(ctx, string(events.KindCreditVerified), "credit_id", uint64(creditID))
	if s.metrics != nil {
		s.metrics.IncrementVerified()
	}
	return credit, nil
}

// GetCredit returns the credit with creditID, or CodeNotFound when the id has
// not been minted yet.
func (s *Service) GetCredit(ctx context.Context, creditID id.CreditID) (credit *models.Credit, err error) {
	ctx, span := tracing.Start(ctx, "ledger.GetCredit", attribute.Int64("credit.id", int64(creditID)))
	defer func() { tracing.End(span, err) }()

	err = s.tx.View(ctx, func(st store.Stores) error {
		credit, err = LoadCredit(ctx, st, creditID)
		return err
	})
	if err != nil {
		return nil, dErrors.Internal(err, "failed to load credit")
	}
	return credit, nil
}

// CreditsOf lists the ids owner currently holds. Order is not stable across
// transfers.
func (s *Service) CreditsOf(ctx context.Context, owner id.Address) (ids []id.CreditID, err error) {
	ctx, span := tracing.Start(ctx, "ledger.CreditsOf", attribute.String("owner", owner.String()))
	defer func() { tracing.End(span, err) }()

	err = s.tx.View(ctx, func(st store.Stores) error {
		ids, err = st.Credits().ListByOwner(ctx, owner)
		return err
	})
	if err != nil {
		return nil, dErrors.Internal(err, "failed to list owned credits")
	}
	if ids == nil {
		ids = []id.CreditID{}
	}
	return ids, nil
}

// Listings returns every verified credit for sale, in ascending id order.
func (s *Service) Listings(ctx context.Context) (listings []models.Listing, err error) {
	ctx, span := tracing.Start(ctx, "ledger.Listings")
	defer func() { tracing.End(span, err) }()

	err = s.tx.View(ctx, func(st store.Stores) error {
		listings, err = st.Credits().ListListed(ctx)
		return err
	})
	if err != nil {
		return nil, dErrors.Internal(err, "failed to list credits for sale")
	}
	if listings == nil {
		listings = []models.Listing{}
	}
	return listings, nil
}

// TotalCredits reports how many credits have been minted.
func (s *Service) TotalCredits(ctx context.Context) (total uint64, err error) {
	ctx, span := tracing.Start(ctx, "ledger.TotalCredits")
	defer func() { tracing.End(span, err) }()

	err = s.tx.View(ctx, func(st store.Stores) error {
		total, err = st.Credits().Count(ctx)
		return err
	})
	if err != nil {
		return 0, dErrors.Internal(err, "failed to count credits")
	}
	return total, nil
}

// ProducedCO2 sums the CO2 of every credit producer minted, including credits
// since sold.
func (s *Service) ProducedCO2(ctx context.Context, producer id.Address) (total int64, err error) {
	ctx, span := tracing.Start(ctx, "ledger.ProducedCO2", attribute.String("producer", producer.String()))
	defer func() { tracing.End(span, err) }()

	err = s.tx.View(ctx, func(st store.Stores) error {
		total, err = st.Credits().ProducedCO2(ctx, producer)
		return err
	})
	if err != nil {
		return 0, dErrors.Internal(err, "failed to total produced co2")
	}
	return total, nil
}

// LoadCredit fetches a credit inside a transaction, mapping a miss to
// CodeNotFound.
func LoadCredit(ctx context.Context, st store.Stores, creditID id.CreditID) (*models.Credit, error) {
	credit, err := st.Credits().FindByID(ctx, creditID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "credit not found")
		}
		return nil, err
	}
	return credit, nil
}

func loadDevice(ctx context.Context, st store.Stores, key id.DeviceKey) (*devicemodels.Device, error) {
	device, err := st.Devices().FindByKey(ctx, key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "device not found")
		}
		return nil, err
	}
	return device, nil
}

func (s *Service) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, start)
	}
}
