// Package memory is the in-process ledger store.
//
// A single RWMutex is the mutation gate. Writes inside RunInTx apply in place
// and push an undo step onto a journal; a returned error or a panic replays the
// journal backwards so no partial change survives.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

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

// Store holds the whole ledger state.
type Store struct {
	mu sync.RWMutex

	devices  map[id.DeviceKey]*devicemodels.Device
	credits  []*ledgermodels.Credit
	owned    map[id.Address][]id.CreditID
	ownedPos map[id.CreditID]int
	listed   map[id.CreditID]struct{}
	produced map[id.Address]int64
	oracles  map[id.Address]*oraclemodels.Grant

	seq     uint64
	lastAt  time.Time
	emitter store.Emitter
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Store)

// WithEmitter sets where committed events go.
func WithEmitter(e store.Emitter) Option {
	return func(s *Store) {
		s.emitter = e
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		devices:  make(map[id.DeviceKey]*devicemodels.Device),
		owned:    make(map[id.Address][]id.CreditID),
		ownedPos: make(map[id.CreditID]int),
		listed:   make(map[id.CreditID]struct{}),
		produced: make(map[id.Address]int64),
		oracles:  make(map[id.Address]*oraclemodels.Grant),
		timeout:  store.DefaultTxTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// RunInTx applies fn atomically under the write lock. Staged events are
// numbered and emitted after fn succeeds, before the lock is released, so
// event order equals commit order. The context is checked once the lock is
// held; fn is expected to honour it while it works.
func (s *Store) RunInTx(ctx context.Context, fn func(stores store.Stores) error) (err error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	tx := &txStores{s: s}
	defer func() {
		if r := recover(); r != nil {
			tx.rollback()
			panic(r)
		}
	}()

	// fn returning nil commits, even if the deadline has passed meanwhile.
	if err := fn(tx); err != nil {
		tx.rollback()
		if ctx.Err() != nil && dErrors.CodeOf(err) == dErrors.CodeInternal {
			return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: deadline exceeded")
		}
		return err
	}
	s.commit(ctx, tx)
	return nil
}

// View runs fn under the read lock.
func (s *Store) View(ctx context.Context, fn func(stores store.Stores) error) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&txStores{s: s, readOnly: true})
}

func (s *Store) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return ctx, func() {}, dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && s.timeout > 0 {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		return ctx, cancel, nil
	}
	return ctx, func() {}, nil
}

func (s *Store) commit(ctx context.Context, tx *txStores) {
	if tx.at.After(s.lastAt) {
		s.lastAt = tx.at
	}
	emitCtx := context.WithoutCancel(ctx)
	for _, e := range tx.staged {
		s.seq++
		e.Seq = s.seq
		if s.emitter == nil {
			continue
		}
		if err := s.emitter.Emit(emitCtx, e); err != nil {
			s.logger.ErrorContext(emitCtx, "failed to emit committed event",
				"error", err,
				"seq", e.Seq,
				"kind", string(e.Kind),
			)
		}
	}
}

// LastSeq returns the sequence number of the newest committed event.
func (s *Store) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// txStores is the journaled view of Store for one transaction.
type txStores struct {
	s        *Store
	readOnly bool
	undo     []func()
	staged   []events.Event
	at       time.Time
}

func (t *txStores) Devices() store.Devices { return deviceStore{t} }
func (t *txStores) Credits() store.Credits { return creditStore{t} }
func (t *txStores) Oracles() store.Oracles { return oracleStore{t} }
func (t *txStores) Outbox() store.Outbox   { return outbox{t} }

func (t *txStores) Now(ctx context.Context) (time.Time, error) {
	if t.at.IsZero() {
		t.at = requestcontext.Now(ctx)
		if t.at.Before(t.s.lastAt) {
			t.at = t.s.lastAt
		}
	}
	return t.at, nil
}

func (t *txStores) record(undo func()) {
	t.undo = append(t.undo, undo)
}

func (t *txStores) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.staged = nil
}

func (t *txStores) writable() error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

type deviceStore struct{ t *txStores }

func (d deviceStore) Create(_ context.Context, device *devicemodels.Device) error {
	if err := d.t.writable(); err != nil {
		return err
	}
	s := d.t.s
	if _, ok := s.devices[device.Key]; ok {
		return sentinel.ErrAlreadyUsed
	}
	cp := *device
	s.devices[device.Key] = &cp
	d.t.record(func() { delete(s.devices, device.Key) })
	return nil
}

func (d deviceStore) FindByKey(_ context.Context, key id.DeviceKey) (*devicemodels.Device, error) {
	device, ok := d.t.s.devices[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *device
	return &cp, nil
}

func (d deviceStore) Update(_ context.Context, device *devicemodels.Device) error {
	if err := d.t.writable(); err != nil {
		return err
	}
	s := d.t.s
	prev, ok := s.devices[device.Key]
	if !ok {
		return sentinel.ErrNotFound
	}
	cp := *device
	s.devices[device.Key] = &cp
	d.t.record(func() { s.devices[device.Key] = prev })
	return nil
}

type creditStore struct{ t *txStores }

func (c creditStore) NextID(context.Context) (id.CreditID, error) {
	return id.CreditID(len(c.t.s.credits)), nil
}

func (c creditStore) Create(_ context.Context, credit *ledgermodels.Credit) error {
	if err := c.t.writable(); err != nil {
		return err
	}
	s := c.t.s
	if want := id.CreditID(len(s.credits)); credit.ID != want {
		return fmt.Errorf("credit id %d out of sequence, next is %d", credit.ID, want)
	}
	s.credits = append(s.credits, credit.Clone())
	s.produced[credit.Producer] += credit.CO2Kg
	c.t.addOwned(credit.Owner, credit.ID)
	if credit.ForSale {
		c.t.setListed(credit.ID, true)
	}
	c.t.record(func() {
		s.credits = s.credits[:len(s.credits)-1]
		s.produced[credit.Producer] -= credit.CO2Kg
		if s.produced[credit.Producer] == 0 {
			delete(s.produced, credit.Producer)
		}
	})
	return nil
}

func (c creditStore) FindByID(_ context.Context, creditID id.CreditID) (*ledgermodels.Credit, error) {
	s := c.t.s
	if uint64(creditID) >= uint64(len(s.credits)) {
		return nil, sentinel.ErrNotFound
	}
	return s.credits[creditID].Clone(), nil
}

func (c creditStore) Update(_ context.Context, credit *ledgermodels.Credit) error {
	if err := c.t.writable(); err != nil {
		return err
	}
	s := c.t.s
	if uint64(credit.ID) >= uint64(len(s.credits)) {
		return sentinel.ErrNotFound
	}
	prev := s.credits[credit.ID]
	if prev.Owner != credit.Owner {
		c.t.removeOwned(prev.Owner, credit.ID)
		c.t.addOwned(credit.Owner, credit.ID)
	}
	if prev.ForSale != credit.ForSale {
		c.t.setListed(credit.ID, credit.ForSale)
	}
	s.credits[credit.ID] = credit.Clone()
	c.t.record(func() { s.credits[credit.ID] = prev })
	return nil
}

func (c creditStore) Count(context.Context) (uint64, error) {
	return uint64(len(c.t.s.credits)), nil
}

func (c creditStore) ListByOwner(_ context.Context, owner id.Address) ([]id.CreditID, error) {
	held := c.t.s.owned[owner]
	out := make([]id.CreditID, len(held))
	copy(out, held)
	return out, nil
}

func (c creditStore) ListListed(context.Context) ([]ledgermodels.Listing, error) {
	s := c.t.s
	out := make([]ledgermodels.Listing, 0, len(s.listed))
	for creditID := range s.listed {
		out = append(out, ledgermodels.Listing{CreditID: creditID, Price: s.credits[creditID].Price})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreditID < out[j].CreditID })
	return out, nil
}

func (c creditStore) ProducedCO2(_ context.Context, producer id.Address) (int64, error) {
	return c.t.s.produced[producer], nil
}

// addOwned appends creditID to owner's holdings.
func (t *txStores) addOwned(owner id.Address, creditID id.CreditID) {
	s := t.s
	s.ownedPos[creditID] = len(s.owned[owner])
	s.owned[owner] = append(s.owned[owner], creditID)
	t.record(func() { t.dropOwned(owner, creditID) })
}

// removeOwned swap-removes creditID from owner's holdings.
func (t *txStores) removeOwned(owner id.Address, creditID id.CreditID) {
	t.dropOwned(owner, creditID)
	t.record(func() {
		s := t.s
		s.ownedPos[creditID] = len(s.owned[owner])
		s.owned[owner] = append(s.owned[owner], creditID)
	})
}

func (t *txStores) dropOwned(owner id.Address, creditID id.CreditID) {
	s := t.s
	held := s.owned[owner]
	pos, ok := s.ownedPos[creditID]
	if !ok || pos >= len(held) || held[pos] != creditID {
		return
	}
	last := held[len(held)-1]
	held[pos] = last
	s.ownedPos[last] = pos
	held = held[:len(held)-1]
	delete(s.ownedPos, creditID)
	if len(held) == 0 {
		delete(s.owned, owner)
		return
	}
	s.owned[owner] = held
}

func (t *txStores) setListed(creditID id.CreditID, listed bool) {
	s := t.s
	if listed {
		s.listed[creditID] = struct{}{}
		t.record(func() { delete(s.listed, creditID) })
		return
	}
	delete(s.listed, creditID)
	t.record(func() { s.listed[creditID] = struct{}{} })
}

type oracleStore struct{ t *txStores }

func (o oracleStore) IsAuthorized(_ context.Context, identity id.Address) (bool, error) {
	_, ok := o.t.s.oracles[identity]
	return ok, nil
}

func (o oracleStore) FindByIdentity(_ context.Context, identity id.Address) (*oraclemodels.Grant, error) {
	grant, ok := o.t.s.oracles[identity]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *grant
	return &cp, nil
}

func (o oracleStore) Grant(_ context.Context, grant *oraclemodels.Grant) error {
	if err := o.t.writable(); err != nil {
		return err
	}
	s := o.t.s
	if _, ok := s.oracles[grant.Identity]; ok {
		return sentinel.ErrAlreadyUsed
	}
	cp := *grant
	s.oracles[grant.Identity] = &cp
	o.t.record(func() { delete(s.oracles, grant.Identity) })
	return nil
}

type outbox struct{ t *txStores }

func (o outbox) Stage(ctx context.Context, event events.Event) error {
	if err := o.t.writable(); err != nil {
		return err
	}
	o.t.staged = append(o.t.staged, events.WithRequest(ctx, event))
	return nil
}
