// Package store defines the persistence ports shared by the ledger services.
//
// Every state-changing operation runs inside Tx.RunInTx. Implementations
// serialize those transactions globally: the function passed in observes a
// consistent snapshot, and either all of its writes and staged events become
// visible or none do. Stores return sentinel errors; services map them to
// domain codes.
package store

import (
	"context"
	"errors"
	"time"

	devicemodels "carbonledger/internal/device/models"
	ledgermodels "carbonledger/internal/ledger/models"
	oraclemodels "carbonledger/internal/oracle/models"
	id "carbonledger/pkg/domain"
	"carbonledger/pkg/platform/events"
)

// ErrReadOnly is returned by writes attempted inside View.
var ErrReadOnly = errors.New("write attempted in read-only view")

// DefaultTxTimeout bounds a transaction when the caller's context has no deadline.
const DefaultTxTimeout = 5 * time.Second

type Devices interface {
	// Create fails with sentinel.ErrAlreadyUsed when the key is taken.
	Create(ctx context.Context, device *devicemodels.Device) error
	FindByKey(ctx context.Context, key id.DeviceKey) (*devicemodels.Device, error)
	Update(ctx context.Context, device *devicemodels.Device) error
}

type Credits interface {
	// NextID returns the id the next Create must use. Ids are dense from 0.
	NextID(ctx context.Context) (id.CreditID, error)
	Create(ctx context.Context, credit *ledgermodels.Credit) error
	FindByID(ctx context.Context, creditID id.CreditID) (*ledgermodels.Credit, error)
	// Update persists credit, keeping the owner and listing indexes in step.
	Update(ctx context.Context, credit *ledgermodels.Credit) error
	Count(ctx context.Context) (uint64, error)
	// ListByOwner returns the ids owner holds. Order is unspecified.
	ListByOwner(ctx context.Context, owner id.Address) ([]id.CreditID, error)
	// ListListed returns every credit for sale in ascending id order.
	ListListed(ctx context.Context) ([]ledgermodels.Listing, error)
	// ProducedCO2 sums CO2 over credits minted by producer, regardless of
	// current ownership.
	ProducedCO2(ctx context.Context, producer id.Address) (int64, error)
}

type Oracles interface {
	IsAuthorized(ctx context.Context, identity id.Address) (bool, error)
	FindByIdentity(ctx context.Context, identity id.Address) (*oraclemodels.Grant, error)
	// Grant fails with sentinel.ErrAlreadyUsed when identity already holds one.
	Grant(ctx context.Context, grant *oraclemodels.Grant) error
}

// Outbox stages events for publication when the transaction commits.
type Outbox interface {
	Stage(ctx context.Context, event events.Event) error
}

// Stores is the view handed to a transaction function.
type Stores interface {
	Devices() Devices
	Credits() Credits
	Oracles() Oracles
	Outbox() Outbox
	// Now is the timestamp for every change made in this transaction: the
	// request time, raised to the newest committed stamp so stamps never
	// decrease in commit order. Repeated calls return the same value.
	Now(ctx context.Context) (time.Time, error)
}

// Tx is the single serialization point of the ledger.
type Tx interface {
	RunInTx(ctx context.Context, fn func(stores Stores) error) error
	// View runs fn against a consistent read-only snapshot. Writes fail.
	View(ctx context.Context, fn func(stores Stores) error) error
}

// Emitter receives committed events, in commit order, with Seq assigned.
type Emitter interface {
	Emit(ctx context.Context, event events.Event) error
}

// EventLog replays committed events.
type EventLog interface {
	ListAfter(ctx context.Context, seq uint64, limit int) ([]events.Event, error)
}
