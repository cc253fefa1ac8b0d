package httptransport

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	deviceservice "carbonledger/internal/device/service"
	jwttoken "carbonledger/internal/jwt_token"
	ledgermodels "carbonledger/internal/ledger/models"
	ledgerservice "carbonledger/internal/ledger/service"
	marketservice "carbonledger/internal/market/service"
	oracleservice "carbonledger/internal/oracle/service"
	"carbonledger/internal/payment"
	"carbonledger/internal/platform/metrics"
	ratelimit "carbonledger/internal/ratelimit/middleware"
	ratelimitmodels "carbonledger/internal/ratelimit/models"
	"carbonledger/internal/ratelimit/store/bucket"
	"carbonledger/internal/store/memory"
	id "carbonledger/pkg/domain"
	"carbonledger/pkg/platform/events/publisher"
	eventmemory "carbonledger/pkg/platform/events/store/memory"
	"carbonledger/pkg/testutil"
)

const rootOracle = id.Address("oracle-root")

type RouterSuite struct {
	suite.Suite
	router http.Handler
	tokens *jwttoken.JWTService
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	eventLog := eventmemory.NewInMemoryStore()
	tx := memory.New(memory.WithEmitter(publisher.NewPublisher(eventLog)))
	wallets := payment.NewInMemoryWallets()
	oracles := oracleservice.New(tx)
	s.Require().NoError(oracles.Bootstrap(context.Background(), rootOracle))

	reg := metrics.NewRegistry()
	s.tokens = jwttoken.NewJWTService("router-test-key")
	s.router = NewRouter(Deps{
		Logger:    logger,
		Registry:  reg,
		Metrics:   metrics.New(reg),
		Validator: s.tokens,
		Devices:   deviceservice.New(tx),
		Oracles:   oracles,
		Ledger:    ledgerservice.New(tx),
		Market:    marketservice.New(tx, wallets),
		Wallets:   wallets,
		Events:    eventLog,
		DevFaucet: true,
		Health: map[string]HealthCheck{
			"memory": func(context.Context) error { return nil },
		},
	})
}

func (s *RouterSuite) do(caller id.Address, method, path string, body any) *testResponse {
	req := testutil.NewJSONRequest(s.T(), method, path, body)
	if !caller.IsNil() {
		token, err := s.tokens.GenerateAccessToken(caller, time.Hour)
		s.Require().NoError(err)
		testutil.WithBearer(req, token)
	}
	return &testResponse{rr: testutil.DoRequest(s.router, req)}
}

func (s *RouterSuite) TestRequiresBearerToken() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/credits/count"))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthenticated")

	req := testutil.NewRequest(s.T(), http.MethodGet, "/credits/count")
	testutil.WithBearer(req, "not-a-jwt")
	rr = testutil.DoRequest(s.router, req)
	testutil.AssertStatus(s.T(), rr, http.StatusUnauthorized)
}

func (s *RouterSuite) TestHealthAndMetricsArePublic() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/healthz"))
	testutil.AssertStatusOK(s.T(), rr)
	testutil.AssertJSONContains(s.T(), rr, "status", "ok")

	rr = testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/metrics"))
	testutil.AssertStatusOK(s.T(), rr)
	s.Contains(rr.Body.String(), "carbon_http_request_duration_seconds")
}

func (s *RouterSuite) TestUnhealthyDependencyReports503() {
	h := healthHandler(map[string]HealthCheck{
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	})
	rr := testutil.DoRequest(h, testutil.NewRequest(s.T(), http.MethodGet, "/healthz"))
	testutil.AssertStatus(s.T(), rr, http.StatusServiceUnavailable)
}

// TestTradeLifecycle walks a credit from device registration to a second sale.
func (s *RouterSuite) TestTradeLifecycle() {
	alice, bob := id.Address("alice"), id.Address("bob")

	res := s.do(alice, http.MethodPost, "/devices", map[string]string{"device_key": "D1", "device_type": "solar"})
	s.Equal(http.StatusCreated, res.rr.Code)

	res = s.do(alice, http.MethodPost, "/credits", map[string]any{"device_key": "D1", "co2_kg": 100})
	s.Require().Equal(http.StatusCreated, res.rr.Code)
	s.Equal(float64(0), res.json(s.T())["credit_id"])

	res = s.do(bob, http.MethodPost, "/credits/0/verify", nil)
	s.Equal(http.StatusForbidden, res.rr.Code)
	s.Equal("unauthorized", res.json(s.T())["error"])

	res = s.do(rootOracle, http.MethodPost, "/credits/0/verify", nil)
	s.Require().Equal(http.StatusOK, res.rr.Code)
	s.Equal("verified", res.json(s.T())["status"])

	res = s.do(alice, http.MethodPost, "/credits/0/listing", map[string]int64{"price": 50})
	s.Require().Equal(http.StatusOK, res.rr.Code)

	listings := testutil.UnmarshalResponse[[]ledgermodels.Listing](s.T(), s.do(bob, http.MethodGet, "/listings", nil).rr)
	s.Equal([]ledgermodels.Listing{{CreditID: 0, Price: 50}}, *listings)

	res = s.do(bob, http.MethodPost, "/credits/0/purchase", map[string]int64{"payment": 70})
	s.Equal(http.StatusPaymentRequired, res.rr.Code)

	res = s.do(bob, http.MethodPost, "/wallets/me/deposit", map[string]int64{"amount": 100})
	s.Require().Equal(http.StatusOK, res.rr.Code)

	res = s.do(bob, http.MethodPost, "/credits/0/purchase", map[string]int64{"payment": 70})
	s.Require().Equal(http.StatusOK, res.rr.Code)
	receipt := res.json(s.T())
	s.Equal(float64(50), receipt["price"])
	s.Equal(float64(20), receipt["refund"])

	res = s.do(bob, http.MethodGet, "/wallets/me", nil)
	s.Equal(float64(50), res.json(s.T())["balance"])
	res = s.do(alice, http.MethodGet, "/wallets/me", nil)
	s.Equal(float64(50), res.json(s.T())["balance"])

	res = s.do(bob, http.MethodGet, "/owners/bob/credits", nil)
	s.Equal([]any{float64(0)}, res.json(s.T())["credits"])
	res = s.do(bob, http.MethodGet, "/owners/alice/co2", nil)
	s.Equal(float64(100), res.json(s.T())["co2_kg"])
	res = s.do(bob, http.MethodGet, "/credits/count", nil)
	s.Equal(float64(1), res.json(s.T())["total"])

	res = s.do(bob, http.MethodGet, "/events?after=0&limit=10", nil)
	s.Require().Equal(http.StatusOK, res.rr.Code)
	page := res.json(s.T())
	kinds := []string{}
	for _, e := range page["events"].([]any) {
		event := e.(map[string]any)
		kinds = append(kinds, event["kind"].(string))
		s.NotEmpty(event["request_id"], "%s carries the originating request id", event["kind"])
	}
	s.Equal([]string{"device_registered", "credit_generated", "credit_verified", "credit_listed", "credit_traded"}, kinds)
	s.Equal(float64(5), page["next"])

	res = s.do(bob, http.MethodGet, "/events?after="+strconv.Itoa(5), nil)
	s.Empty(res.json(s.T())["events"])
}

func (s *RouterSuite) TestDeviceRoutes() {
	res := s.do("alice", http.MethodPost, "/devices", map[string]string{"device_key": "D1", "device_type": "solar"})
	s.Require().Equal(http.StatusCreated, res.rr.Code)

	res = s.do("alice", http.MethodPost, "/devices", map[string]string{"device_key": "D1", "device_type": "wind"})
	s.Equal(http.StatusConflict, res.rr.Code)

	res = s.do("bob", http.MethodPut, "/devices/D1/active", map[string]bool{"active": false})
	s.Equal(http.StatusForbidden, res.rr.Code)

	res = s.do("alice", http.MethodPut, "/devices/D1/active", map[string]bool{"active": false})
	s.Require().Equal(http.StatusOK, res.rr.Code)
	s.Equal(false, res.json(s.T())["active"])

	res = s.do("alice", http.MethodPut, "/devices/D1/active", map[string]any{})
	s.Equal(http.StatusBadRequest, res.rr.Code)

	res = s.do("alice", http.MethodPost, "/credits", map[string]any{"device_key": "D1", "co2_kg": 5})
	s.Equal(http.StatusUnprocessableEntity, res.rr.Code)
	s.Equal("device_inactive", res.json(s.T())["error"])

	res = s.do("alice", http.MethodGet, "/devices/nope", nil)
	s.Equal(http.StatusNotFound, res.rr.Code)
}

func (s *RouterSuite) TestOracleRoutes() {
	res := s.do("mallory", http.MethodPost, "/oracles", map[string]string{"identity": "mallory"})
	s.Equal(http.StatusForbidden, res.rr.Code)

	res = s.do(rootOracle, http.MethodPost, "/oracles", map[string]string{"identity": ""})
	s.Equal(http.StatusBadRequest, res.rr.Code)
	s.Equal("invalid_input", res.json(s.T())["error"])

	res = s.do(rootOracle, http.MethodPost, "/oracles", map[string]string{"identity": "oracle-2"})
	s.Require().Equal(http.StatusOK, res.rr.Code)

	res = s.do("anyone", http.MethodGet, "/oracles/oracle-2", nil)
	s.Equal(true, res.json(s.T())["authorized"])
	res = s.do("anyone", http.MethodGet, "/oracles/stranger", nil)
	s.Equal(false, res.json(s.T())["authorized"])
}

func (s *RouterSuite) TestMalformedInput() {
	res := s.do("alice", http.MethodGet, "/credits/abc", nil)
	s.Equal(http.StatusBadRequest, res.rr.Code)

	res = s.do("alice", http.MethodGet, "/credits/99", nil)
	s.Equal(http.StatusNotFound, res.rr.Code)

	res = s.do("alice", http.MethodGet, "/events?limit=0", nil)
	s.Equal(http.StatusBadRequest, res.rr.Code)

	req := testutil.NewRequestWithBody(s.T(), http.MethodPost, "/credits", `{"device_key":"D1","co2_kg":1.5}`)
	token, err := s.tokens.GenerateAccessToken("alice", time.Hour)
	s.Require().NoError(err)
	testutil.WithBearer(req, token)
	testutil.AssertStatusAndError(s.T(), testutil.DoRequest(s.router, req), http.StatusBadRequest, "bad_request")
}

func (s *RouterSuite) TestRateLimitAppliesAfterAuthentication() {
	limiter := ratelimit.New(bucket.NewInMemoryBucketStore(), map[ratelimitmodels.Class]ratelimitmodels.Limit{
		ratelimitmodels.ClassRead: {Requests: 1, Window: time.Minute},
	}, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	router := NewRouter(Deps{
		Logger:    slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		Validator: s.tokens,
		Wallets:   payment.NewInMemoryWallets(),
		Events:    eventmemory.NewInMemoryStore(),
		RateLimit: limiter.PerCaller,
	})
	get := func() int {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/wallets/me")
		token, err := s.tokens.GenerateAccessToken("carol", time.Hour)
		s.Require().NoError(err)
		testutil.WithBearer(req, token)
		return testutil.DoRequest(router, req).Code
	}

	s.Equal(http.StatusOK, get())
	s.Equal(http.StatusTooManyRequests, get())

	rr := testutil.DoRequest(router, testutil.NewRequest(s.T(), http.MethodGet, "/healthz"))
	s.Equal(http.StatusOK, rr.Code, "health checks are never throttled")
}

func (s *RouterSuite) TestFaucetDisabled() {
	wallets := payment.NewInMemoryWallets()
	router := NewRouter(Deps{
		Logger:    slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Validator: s.tokens,
		Wallets:   wallets,
		Events:    eventmemory.NewInMemoryStore(),
	})
	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/wallets/me/deposit", map[string]int64{"amount": 5})
	token, err := s.tokens.GenerateAccessToken("bob", time.Hour)
	s.Require().NoError(err)
	testutil.WithBearer(req, token)

	rr := testutil.DoRequest(router, req)
	s.NotEqual(http.StatusOK, rr.Code)
	balance, err := wallets.Balance(context.Background(), "bob")
	s.Require().NoError(err)
	s.Zero(balance)
}
