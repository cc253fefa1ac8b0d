package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Settler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	deviceservice "carbonledger/internal/device/service"
	ledgerservice "carbonledger/internal/ledger/service"
	"carbonledger/internal/market/metrics"
	"carbonledger/internal/market/service/mocks"
	oracleservice "carbonledger/internal/oracle/service"
	"carbonledger/internal/payment"
	"carbonledger/internal/store/memory"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/platform/events"
	"carbonledger/pkg/platform/events/publisher"
	eventmemory "carbonledger/pkg/platform/events/store/memory"
	"carbonledger/pkg/platform/sentinel"
	"carbonledger/pkg/requestcontext"
)

const oracle id.Address = "oracle-root"

type ServiceSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	settler *mocks.MockSettler
	events  *eventmemory.InMemoryStore
	metrics *metrics.Metrics
	ledger  *ledgerservice.Service
	service *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.settler = mocks.NewMockSettler(s.ctrl)
	s.events = eventmemory.NewInMemoryStore()
	s.metrics = metrics.New(prometheus.NewRegistry())

	tx := memory.New(memory.WithEmitter(publisher.NewPublisher(s.events)))
	devices := deviceservice.New(tx)
	oracles := oracleservice.New(tx)
	s.ledger = ledgerservice.New(tx)
	s.service = New(tx, s.settler, WithMetrics(s.metrics))

	s.Require().NoError(oracles.Bootstrap(context.Background(), oracle))
	_, err := devices.Register(as("alice"), "D1", "solar")
	s.Require().NoError(err)
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func as(caller id.Address) context.Context {
	ctx := requestcontext.WithCaller(context.Background(), caller)
	return requestcontext.WithTime(ctx, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
}

// verifiedCredit mints a credit for alice and has the oracle verify it.
func (s *ServiceSuite) verifiedCredit() id.CreditID {
	creditID, err := s.ledger.Mint(as("alice"), "D1", 100)
	s.Require().NoError(err)
	_, err = s.ledger.Verify(as(oracle), creditID)
	s.Require().NoError(err)
	return creditID
}

func (s *ServiceSuite) listedCredit(price int64) id.CreditID {
	creditID := s.verifiedCredit()
	_, err := s.service.List(as("alice"), creditID, price)
	s.Require().NoError(err)
	return creditID
}

func (s *ServiceSuite) TestList() {
	unverified, err := s.ledger.Mint(as("alice"), "D1", 10)
	s.Require().NoError(err)
	verified := s.verifiedCredit()

	tests := []struct {
		name     string
		caller   id.Address
		creditID id.CreditID
		price    int64
		code     dErrors.Code
	}{
		{"unknown credit", "alice", 99, 50, dErrors.CodeNotFound},
		{"not the owner", "bob", verified, 50, dErrors.CodeNotOwner},
		{"ownership before verification", "bob", unverified, 50, dErrors.CodeNotOwner},
		{"unverified", "alice", unverified, 50, dErrors.CodeNotVerified},
		{"verification before price", "alice", unverified, 0, dErrors.CodeNotVerified},
		{"zero price", "alice", verified, 0, dErrors.CodeInvalidInput},
		{"negative price", "alice", verified, -1, dErrors.CodeInvalidInput},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.service.List(as(tt.caller), tt.creditID, tt.price)
			s.True(dErrors.HasCode(err, tt.code), "got %v", err)
		})
	}

	s.Run("owner lists and relists", func() {
		credit, err := s.service.List(as("alice"), verified, 50)
		s.Require().NoError(err)
		s.True(credit.ForSale)
		s.Equal(int64(50), credit.Price)

		_, err = s.service.List(as("alice"), verified, 65)
		s.Require().NoError(err)

		listings, err := s.ledger.Listings(context.Background())
		s.Require().NoError(err)
		s.Require().Len(listings, 1)
		s.Equal(int64(65), listings[0].Price)
	})

	s.Equal(float64(2), testutil.ToFloat64(s.metrics.CreditsListed))
}

func (s *ServiceSuite) TestPurchaseRejections() {
	unverified, err := s.ledger.Mint(as("alice"), "D1", 10)
	s.Require().NoError(err)
	verified := s.verifiedCredit()
	listed := s.listedCredit(50)

	tests := []struct {
		name     string
		caller   id.Address
		creditID id.CreditID
		payment  int64
		code     dErrors.Code
	}{
		{"unknown credit", "bob", 99, 50, dErrors.CodeNotFound},
		{"unverified", "bob", unverified, 50, dErrors.CodeNotVerified},
		{"not listed", "bob", verified, 50, dErrors.CodeNotForSale},
		{"self trade", "alice", listed, 50, dErrors.CodeSelfTrade},
		{"underpayment", "bob", listed, 49, dErrors.CodeInsufficientPayment},
		{"anonymous", "", listed, 50, dErrors.CodeUnauthenticated},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.service.Purchase(as(tt.caller), tt.creditID, tt.payment)
			s.True(dErrors.HasCode(err, tt.code), "got %v", err)
		})
	}

	credit, err := s.ledger.GetCredit(context.Background(), listed)
	s.Require().NoError(err)
	s.Equal(id.Address("alice"), credit.Owner)
	s.True(credit.ForSale)
}

func (s *ServiceSuite) TestPurchaseSettlesPriceAndRefund() {
	creditID := s.listedCredit(50)

	s.settler.EXPECT().Settle(gomock.Any(), payment.Batch{
		Payer:    "bob",
		Attached: 70,
		Payouts: []payment.Payout{
			{To: "alice", Amount: 50},
			{To: "bob", Amount: 20},
		},
	}).Return(nil)

	receipt, err := s.service.Purchase(as("bob"), creditID, 70)
	s.Require().NoError(err)
	s.Equal(&Receipt{CreditID: creditID, Seller: "alice", Buyer: "bob", Price: 50, Refund: 20}, receipt)

	credit, err := s.ledger.GetCredit(context.Background(), creditID)
	s.Require().NoError(err)
	s.Equal(id.Address("bob"), credit.Owner)
	s.False(credit.ForSale)
	s.Zero(credit.Price)
	s.True(credit.Verified)

	bob, err := s.ledger.CreditsOf(context.Background(), "bob")
	s.Require().NoError(err)
	s.Equal([]id.CreditID{creditID}, bob)
	alice, err := s.ledger.CreditsOf(context.Background(), "alice")
	s.Require().NoError(err)
	s.NotContains(alice, creditID)

	list, err := s.events.ListAfter(context.Background(), 0, 0)
	s.Require().NoError(err)
	last := list[len(list)-1]
	s.Equal(events.KindCreditTraded, last.Kind)
	s.Equal(id.Address("alice"), last.Seller)
	s.Equal(id.Address("bob"), last.Buyer)
	s.Equal(int64(50), last.Price)

	s.Equal(float64(50), testutil.ToFloat64(s.metrics.TradeValue))
	s.Equal(float64(20), testutil.ToFloat64(s.metrics.Refunds))
}

func (s *ServiceSuite) TestSettlementFailureRollsBack() {
	creditID := s.listedCredit(50)
	before, err := s.events.ListAfter(context.Background(), 0, 0)
	s.Require().NoError(err)

	s.Run("payer shortfall is insufficient payment", func() {
		s.settler.EXPECT().Settle(gomock.Any(), gomock.Any()).Return(sentinel.ErrInsufficientFunds)
		_, err := s.service.Purchase(as("bob"), creditID, 50)
		s.True(dErrors.HasCode(err, dErrors.CodeInsufficientPayment))
	})

	s.Run("transfer outage is internal", func() {
		s.settler.EXPECT().Settle(gomock.Any(), gomock.Any()).Return(errors.New("redis down"))
		_, err := s.service.Purchase(as("bob"), creditID, 50)
		s.True(dErrors.HasCode(err, dErrors.CodeInternal))
		s.Equal("settlement failed", dErrors.Message(err))
	})

	credit, err := s.ledger.GetCredit(context.Background(), creditID)
	s.Require().NoError(err)
	s.Equal(id.Address("alice"), credit.Owner)
	s.True(credit.ForSale)
	s.Equal(int64(50), credit.Price)

	alice, err := s.ledger.CreditsOf(context.Background(), "alice")
	s.Require().NoError(err)
	s.Contains(alice, creditID)
	bob, err := s.ledger.CreditsOf(context.Background(), "bob")
	s.Require().NoError(err)
	s.Empty(bob)

	after, err := s.events.ListAfter(context.Background(), 0, 0)
	s.Require().NoError(err)
	s.Len(after, len(before), "aborted purchases emit nothing")
	s.Equal(float64(2), testutil.ToFloat64(s.metrics.SettlementFailed))
}

func (s *ServiceSuite) TestResaleByNewOwner() {
	creditID := s.listedCredit(50)
	s.settler.EXPECT().Settle(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	_, err := s.service.Purchase(as("bob"), creditID, 50)
	s.Require().NoError(err)

	_, err = s.service.List(as("alice"), creditID, 80)
	s.True(dErrors.HasCode(err, dErrors.CodeNotOwner), "previous owner lost listing rights")

	_, err = s.service.List(as("bob"), creditID, 80)
	s.Require().NoError(err)
	receipt, err := s.service.Purchase(as("carol"), creditID, 80)
	s.Require().NoError(err)
	s.Equal(id.Address("bob"), receipt.Seller)
	s.Zero(receipt.Refund)

	produced, err := s.ledger.ProducedCO2(context.Background(), "alice")
	s.Require().NoError(err)
	s.Equal(int64(100), produced, "trades never move production totals")
	produced, err = s.ledger.ProducedCO2(context.Background(), "carol")
	s.Require().NoError(err)
	s.Zero(produced)
}
