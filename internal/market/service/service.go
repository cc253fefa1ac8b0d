package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	ledgermodels "carbonledger/internal/ledger/models"
	ledgerservice "carbonledger/internal/ledger/service"
	"carbonledger/internal/market/metrics"
	"carbonledger/internal/payment"
	"carbonledger/internal/store"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/platform/auditlog"
	"carbonledger/pkg/platform/events"
	"carbonledger/pkg/platform/sentinel"
	"carbonledger/pkg/platform/tracing"
	"carbonledger/pkg/requestcontext"
)

// Settler moves value for a purchase. It must be all or nothing and report a
// payer shortfall as sentinel.ErrInsufficientFunds.
type Settler interface {
	Settle(ctx context.Context, batch payment.Batch) error
}

// Receipt describes a completed purchase.
type Receipt struct {
	CreditID id.CreditID `json:"credit_id"`
	Seller   id.Address  `json:"seller"`
	Buyer    id.Address  `json:"buyer"`
	Price    int64       `json:"price"`
	Refund   int64       `json:"refund"`
}

// Service lists verified credits and sells them at the seller's fixed price.
type Service struct {
	tx      store.Tx
	settler Settler
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

func New(tx store.Tx, settler Settler, opts ...Option) *Service {
	s := &Service{tx: tx, settler: settler, audit: auditlog.New(nil)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List offers the caller's verified credit at price. Listing an already
// listed credit replaces its price.
func (s *Service) List(ctx context.Context, creditID id.CreditID, price int64) (credit *ledgermodels.Credit, err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "market.List",
		attribute.Int64("credit.id", int64(creditID)),
		attribute.Int64("credit.price", price),
	)
	defer func() {
		tracing.End(span, err)
		s.observe("list", start)
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
		found, err := ledgerservice.LoadCredit(ctx, st, creditID)
		if err != nil {
			return err
		}
		if err := found.CanList(caller, price); err != nil {
			return err
		}
		found.ApplyListing(price)
		if err := st.Credits().Update(ctx, found); err != nil {
			return err
		}
		credit = found
		return st.Outbox().Stage(ctx, events.CreditListed(creditID, price, now))
	})
	if err != nil {
		err = dErrors.Internal(err, "failed to list credit")
		s.audit.Rejected(ctx, "list_credit", err, "credit_id", uint64(creditID))
		return nil, err
	}

	s.audit.Accepted(ctx, string(events.KindCreditListed),
		"credit_id", uint64(creditID),
		"price", price,
	)
	if s.metrics != nil {
		s.metrics.IncrementListed()
	}
	return credit, nil
}

// Purchase buys a listed credit for the caller with paymentAmount attached.
// The seller receives the price and any excess is refunded. The ownership
// change and the value transfer commit together or not at all.
func (s *Service) Purchase(ctx context.Context, creditID id.CreditID, paymentAmount int64) (receipt *Receipt, err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "market.Purchase",
		attribute.Int64("credit.id", int64(creditID)),
		attribute.Int64("payment.amount", paymentAmount),
	)
	defer func() {
		tracing.End(span, err)
		s.observe("purchase", start)
	}()

	buyer, err := requestcontext.RequireCaller(ctx)
	if err != nil {
		return nil, err
	}
	var settled *payment.Batch
	err = s.tx.RunInTx(ctx, func(st store.Stores) error {
		now, err := st.Now(ctx)
		if err != nil {
			return err
		}
		found, err := ledgerservice.LoadCredit(ctx, st, creditID)
		if err != nil {
			return err
		}
		if err := found.CanPurchase(buyer, paymentAmount); err != nil {
			return err
		}
		sale := found.ApplySale(buyer)
		if err := st.Credits().Update(ctx, found); err != nil {
			return err
		}
		if err := st.Outbox().Stage(ctx, events.CreditTraded(creditID, sale.Seller, sale.Buyer, sale.Price, now)); err != nil {
			return err
		}
		// Settlement is the commit point: it runs last, and once it has
		// started nothing in this function may abort.
		if err := ctx.Err(); err != nil {
			return dErrors.Wrap(err, dErrors.CodeTimeout, "purchase aborted before settlement")
		}
		batch := payment.Sale(buyer, sale.Seller, sale.Price, paymentAmount)
		if err := s.settle(context.WithoutCancel(ctx), batch); err != nil {
			return err
		}
		settled = &batch
		receipt = &Receipt{
			CreditID: creditID,
			Seller:   sale.Seller,
			Buyer:    sale.Buyer,
			Price:    sale.Price,
			Refund:   paymentAmount - sale.Price,
		}
		return nil
	})
	if err != nil {
		err = dErrors.Internal(err, "failed to purchase credit")
		if settled != nil {
			// Value moved but the ledger did not commit.
			s.reverse(ctx, creditID, *settled)
		}
		s.audit.Rejected(ctx, "purchase_credit", err, "credit_id", uint64(creditID))
		return nil, err
	}

	s.audit.Accepted(ctx, string(events.KindCreditTraded),
		"credit_id", uint64(creditID),
		"seller", receipt.Seller.String(),
		"buyer", receipt.Buyer.String(),
		"price", receipt.Price,
		"refund", receipt.Refund,
	)
	if s.metrics != nil {
		s.metrics.IncrementTraded(receipt.Price, receipt.Refund)
	}
	return receipt, nil
}

func (s *Service) settle(ctx context.Context, batch payment.Batch) error {
	err := s.settler.Settle(ctx, batch)
	if err == nil {
		return nil
	}
	if s.metrics != nil {
		s.metrics.IncrementSettlementFailed()
	}
	if errors.Is(err, sentinel.ErrInsufficientFunds) {
		return dErrors.Wrap(err, dErrors.CodeInsufficientPayment, "buyer cannot cover the attached payment")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, "settlement failed")
}

// reverse pays back a settlement whose transaction failed to commit. A
// reversal that cannot be applied is logged and counted for manual repair.
func (s *Service) reverse(ctx context.Context, creditID id.CreditID, batch payment.Batch) {
	ctx = context.WithoutCancel(ctx)
	for _, back := range batch.Reversal() {
		err := s.settler.Settle(ctx, back)
		if s.metrics != nil {
			s.metrics.IncrementReversal(err == nil)
		}
		if err != nil {
			s.audit.Rejected(ctx, "reverse_settlement", dErrors.Internal(err, "settlement reversal failed"),
				"credit_id", uint64(creditID),
				"from", back.Payer.String(),
				"to", batch.Payer.String(),
				"amount", back.Attached,
			)
			continue
		}
		s.audit.Accepted(ctx, "settlement_reversed",
			"credit_id", uint64(creditID),
			"from", back.Payer.String(),
			"to", batch.Payer.String(),
			"amount", back.Attached,
		)
	}
}

func (s *Service) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, start)
	}
}
