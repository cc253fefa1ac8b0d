package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	devicemodels "carbonledger/internal/device/models"
	ledgermodels "carbonledger/internal/ledger/models"
	oraclemodels "carbonledger/internal/oracle/models"
	"carbonledger/internal/store"
	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
	"carbonledger/pkg/platform/events"
	"carbonledger/pkg/platform/sentinel"
	"carbonledger/pkg/requestcontext"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingEmitter) snapshot() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

type StoreSuite struct {
	suite.Suite
	ctx     context.Context
	emitter *recordingEmitter
	store   *Store
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.emitter = &recordingEmitter{}
	s.store = New(WithEmitter(s.emitter))
}

func (s *StoreSuite) seedDevice(key id.DeviceKey, owner id.Address) {
	err := s.store.RunInTx(s.ctx, func(st store.Stores) error {
		device, err := devicemodels.NewDevice(key, "solar", owner, time.Now())
		if err != nil {
			return err
		}
		return st.Devices().Create(s.ctx, device)
	})
	s.Require().NoError(err)
}

func (s *StoreSuite) mint(device id.DeviceKey, producer id.Address, co2 int64) id.CreditID {
	var creditID id.CreditID
	err := s.store.RunInTx(s.ctx, func(st store.Stores) error {
		next, err := st.Credits().NextID(s.ctx)
		if err != nil {
			return err
		}
		credit, err := ledgermodels.NewCredit(next, device, producer, co2, time.Now())
		if err != nil {
			return err
		}
		creditID = next
		return st.Credits().Create(s.ctx, credit)
	})
	s.Require().NoError(err)
	return creditID
}

func (s *StoreSuite) update(creditID id.CreditID, mutate func(c *ledgermodels.Credit)) {
	err := s.store.RunInTx(s.ctx, func(st store.Stores) error {
		credit, err := st.Credits().FindByID(s.ctx, creditID)
		if err != nil {
			return err
		}
		mutate(credit)
		return st.Credits().Update(s.ctx, credit)
	})
	s.Require().NoError(err)
}

func (s *StoreSuite) view(fn func(st store.Stores)) {
	err := s.store.View(s.ctx, func(st store.Stores) error {
		fn(st)
		return nil
	})
	s.Require().NoError(err)
}

func sortedIDs(ids []id.CreditID) []id.CreditID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *StoreSuite) TestDeviceCreateRejectsDuplicateKey() {
	s.seedDevice("D1", "alice")

	err := s.store.RunInTx(s.ctx, func(st store.Stores) error {
		device, _ := devicemodels.NewDevice("D1", "wind", "bob", time.Now())
		return st.Devices().Create(s.ctx, device)
	})
	s.ErrorIs(err, sentinel.ErrAlreadyUsed)

	s.view(func(st store.Stores) {
		device, err := st.Devices().FindByKey(s.ctx, "D1")
		s.Require().NoError(err)
		s.Equal(id.Address("alice"), device.Owner)
		s.Equal("solar", device.Type)
	})
}

func (s *StoreSuite) TestFindReturnsCopies() {
	s.seedDevice("D1", "alice")
	s.view(func(st store.Stores) {
		device, err := st.Devices().FindByKey(s.ctx, "D1")
		s.Require().NoError(err)
		device.Active = false
	})
	s.view(func(st store.Stores) {
		device, err := st.Devices().FindByKey(s.ctx, "D1")
		s.Require().NoError(err)
		s.True(device.Active)
	})
}

func (s *StoreSuite) TestCreditIDsAreDense() {
	s.seedDevice("D1", "alice")
	s.Equal(id.CreditID(0), s.mint("D1", "alice", 10))
	s.Equal(id.CreditID(1), s.mint("D1", "alice", 20))

	err := s.store.RunInTx(s.ctx, func(st store.Stores) error {
		credit, _ := ledgermodels.NewCredit(7, "D1", "alice", 5, time.Now())
		return st.Credits().Create(s.ctx, credit)
	})
	s.Error(err)

	s.view(func(st store.Stores) {
		count, err := st.Credits().Count(s.ctx)
		s.Require().NoError(err)
		s.Equal(uint64(2), count)
		_, err = st.Credits().FindByID(s.ctx, 2)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *StoreSuite) TestOwnerIndexFollowsTransfers() {
	s.seedDevice("D1", "alice")
	first := s.mint("D1", "alice", 10)
	second := s.mint("D1", "alice", 20)
	third := s.mint("D1", "alice", 30)

	s.update(first, func(c *ledgermodels.Credit) { c.Owner = "bob" })

	s.view(func(st store.Stores) {
		alice, err := st.Credits().ListByOwner(s.ctx, "alice")
		s.Require().NoError(err)
		s.Equal([]id.CreditID{second, third}, sortedIDs(alice))

		bob, err := st.Credits().ListByOwner(s.ctx, "bob")
		s.Require().NoError(err)
		s.Equal([]id.CreditID{first}, bob)

		produced, err := st.Credits().ProducedCO2(s.ctx, "alice")
		s.Require().NoError(err)
		s.Equal(int64(60), produced, "production total ignores transfers")

		produced, err = st.Credits().ProducedCO2(s.ctx, "bob")
		s.Require().NoError(err)
		s.Zero(produced)
	})
}

func (s *StoreSuite) TestListedSetIsAscending() {
	s.seedDevice("D1", "alice")
	for i := 0; i < 4; i++ {
		s.mint("D1", "alice", 10)
	}
	for _, creditID := range []id.CreditID{3, 0, 2} {
		price := int64(creditID) + 100
		s.update(creditID, func(c *ledgermodels.Credit) {
			c.Verified = true
			c.ApplyListing(price)
		})
	}
	s.update(2, func(c *ledgermodels.Credit) { c.ApplySale("bob") })

	s.view(func(st store.Stores) {
		listed, err := st.Credits().ListListed(s.ctx)
		s.Require().NoError(err)
		s.Equal([]ledgermodels.Listing{{CreditID: 0, Price: 100}, {CreditID: 3, Price: 103}}, listed)
	})
}

func (s *StoreSuite) TestErrorRollsBackEveryWrite() {
	s.seedDevice("D1", "alice")
	existing := s.mint("D1", "alice", 10)
	before := len(s.emitter.snapshot())

	boom := errors.New("boom")
	err := s.store.RunInTx(s.ctx, func(st store.Stores) error {
		device, _ := devicemodels.NewDevice("D2", "wind", "carol", time.Now())
		if err := st.Devices().Create(s.ctx, device); err != nil {
			return err
		}
		credit, _ := ledgermodels.NewCredit(1, "D2", "carol", 99, time.Now())
		if err := st.Credits().Create(s.ctx, credit); err != nil {
			return err
		}
		moved, _ := st.Credits().FindByID(s.ctx, existing)
		moved.Owner = "carol"
		moved.Verified = true
		moved.ApplyListing(5)
		if err := st.Credits().Update(s.ctx, moved); err != nil {
			return err
		}
		_ = st.Oracles().Grant(s.ctx, &oraclemodels.Grant{Identity: "carol", GrantedAt: time.Now()})
		_ = st.Outbox().Stage(s.ctx, events.OracleAuthorized("carol", time.Now()))
		return boom
	})
	s.ErrorIs(err, boom)

	s.view(func(st store.Stores) {
		_, err := st.Devices().FindByKey(s.ctx, "D2")
		s.ErrorIs(err, sentinel.ErrNotFound)

		count, _ := st.Credits().Count(s.ctx)
		s.Equal(uint64(1), count)

		credit, err := st.Credits().FindByID(s.ctx, existing)
		s.Require().NoError(err)
		s.Equal(id.Address("alice"), credit.Owner)
		s.False(credit.ForSale)

		alice, _ := st.Credits().ListByOwner(s.ctx, "alice")
		s.Equal([]id.CreditID{existing}, alice)
		carol, _ := st.Credits().ListByOwner(s.ctx, "carol")
		s.Empty(carol)

		listed, _ := st.Credits().ListListed(s.ctx)
		s.Empty(listed)

		produced, _ := st.Credits().ProducedCO2(s.ctx, "carol")
		s.Zero(produced)

		ok, _ := st.Oracles().IsAuthorized(s.ctx, "carol")
		s.False(ok)
	})
	s.Len(s.emitter.snapshot(), before, "rolled back transaction emits nothing")
}

func (s *StoreSuite) TestPanicRollsBackAndRepanics() {
	s.Panics(func() {
		_ = s.store.RunInTx(s.ctx, func(st store.Stores) error {
			device, _ := devicemodels.NewDevice("D1", "wind", "alice", time.Now())
			_ = st.Devices().Create(s.ctx, device)
			panic("boom")
		})
	})
	s.view(func(st store.Stores) {
		_, err := st.Devices().FindByKey(s.ctx, "D1")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
	s.seedDevice("D1", "alice")
}

func (s *StoreSuite) TestCommitNumbersEventsInOrder() {
	err := s.store.RunInTx(s.ctx, func(st store.Stores) error {
		_ = st.Outbox().Stage(s.ctx, events.OracleAuthorized("a", time.Now()))
		return st.Outbox().Stage(s.ctx, events.OracleAuthorized("b", time.Now()))
	})
	s.Require().NoError(err)
	err = s.store.RunInTx(s.ctx, func(st store.Stores) error {
		return st.Outbox().Stage(s.ctx, events.OracleAuthorized("c", time.Now()))
	})
	s.Require().NoError(err)

	got := s.emitter.snapshot()
	s.Require().Len(got, 3)
	for i, e := range got {
		s.Equal(uint64(i+1), e.Seq)
	}
	s.Equal(id.Address("c"), got[2].Identity)
	s.Equal(uint64(3), s.store.LastSeq())
}

func (s *StoreSuite) TestViewRejectsWrites() {
	err := s.store.View(s.ctx, func(st store.Stores) error {
		device, _ := devicemodels.NewDevice("D1", "wind", "alice", time.Now())
		return st.Devices().Create(s.ctx, device)
	})
	s.ErrorIs(err, store.ErrReadOnly)

	err = s.store.View(s.ctx, func(st store.Stores) error {
		return st.Outbox().Stage(s.ctx, events.OracleAuthorized("a", time.Now()))
	})
	s.ErrorIs(err, store.ErrReadOnly)
}

func (s *StoreSuite) TestCancelledContextIsTimeout() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	called := false
	err := s.store.RunInTx(ctx, func(store.Stores) error {
		called = true
		return nil
	})
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
	s.False(called)
}

func (s *StoreSuite) TestDeadlineObservedByFnRollsBack() {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Millisecond)
	defer cancel()
	err := s.store.RunInTx(ctx, func(st store.Stores) error {
		device, _ := devicemodels.NewDevice("D1", "wind", "alice", time.Now())
		if err := st.Devices().Create(s.ctx, device); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
	s.view(func(st store.Stores) {
		_, err := st.Devices().FindByKey(s.ctx, "D1")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *StoreSuite) TestFnFinishingPastDeadlineCommits() {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Millisecond)
	defer cancel()
	err := s.store.RunInTx(ctx, func(st store.Stores) error {
		device, _ := devicemodels.NewDevice("D1", "wind", "alice", time.Now())
		if err := st.Devices().Create(s.ctx, device); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})
	s.Require().NoError(err)
	s.view(func(st store.Stores) {
		_, err := st.Devices().FindByKey(s.ctx, "D1")
		s.NoError(err)
	})
}

func (s *StoreSuite) TestConcurrentMintsStayGapless() {
	s.seedDevice("D1", "alice")
	const workers = 32
	var wg sync.WaitGroup
	ids := make(chan id.CreditID, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.store.RunInTx(s.ctx, func(st store.Stores) error {
				next, _ := st.Credits().NextID(s.ctx)
				credit, _ := ledgermodels.NewCredit(next, "D1", "alice", 1, time.Now())
				if err := st.Credits().Create(s.ctx, credit); err != nil {
					return err
				}
				ids <- next
				return nil
			})
		}()
	}
	wg.Wait()
	close(ids)

	var got []id.CreditID
	for creditID := range ids {
		got = append(got, creditID)
	}
	sortedIDs(got)
	s.Require().Len(got, workers)
	for i, creditID := range got {
		s.Equal(id.CreditID(i), creditID)
	}
}

func (s *StoreSuite) TestStagedEventsCarryRequestID() {
	ctx := requestcontext.WithRequestID(s.ctx, "req-7")
	err := s.store.RunInTx(ctx, func(st store.Stores) error {
		if err := st.Outbox().Stage(ctx, events.OracleAuthorized("a", time.Now())); err != nil {
			return err
		}
		tagged := events.OracleAuthorized("b", time.Now())
		tagged.RequestID = "upstream"
		return st.Outbox().Stage(ctx, tagged)
	})
	s.Require().NoError(err)

	got := s.emitter.snapshot()
	s.Require().Len(got, 2)
	s.Equal("req-7", got[0].RequestID)
	s.Equal("upstream", got[1].RequestID)
}

func (s *StoreSuite) nowIn(ctx context.Context) time.Time {
	var at time.Time
	err := s.store.RunInTx(ctx, func(st store.Stores) error {
		var err error
		at, err = st.Now(ctx)
		return err
	})
	s.Require().NoError(err)
	return at
}

func (s *StoreSuite) TestNowNeverRunsBehindCommittedTime() {
	late := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	early := late.Add(-time.Minute)

	s.Equal(late, s.nowIn(requestcontext.WithTime(s.ctx, late)))
	s.Equal(late, s.nowIn(requestcontext.WithTime(s.ctx, early)), "an earlier request time is raised to the last commit")

	later := late.Add(time.Second)
	s.Equal(later, s.nowIn(requestcontext.WithTime(s.ctx, later)))
}

func (s *StoreSuite) TestNowIsStableWithinTx() {
	ctx := requestcontext.WithTime(s.ctx, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	err := s.store.RunInTx(ctx, func(st store.Stores) error {
		first, err := st.Now(ctx)
		s.Require().NoError(err)
		second, err := st.Now(requestcontext.WithTime(ctx, first.Add(time.Hour)))
		s.Require().NoError(err)
		s.Equal(first, second)
		return nil
	})
	s.Require().NoError(err)
}

func (s *StoreSuite) TestRolledBackTxLeavesClock() {
	late := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	boom := errors.New("boom")
	err := s.store.RunInTx(requestcontext.WithTime(s.ctx, late), func(st store.Stores) error {
		if _, err := st.Now(requestcontext.WithTime(s.ctx, late)); err != nil {
			return err
		}
		return boom
	})
	s.Require().ErrorIs(err, boom)

	early := late.Add(-time.Minute)
	s.Equal(early, s.nowIn(requestcontext.WithTime(s.ctx, early)))
}
