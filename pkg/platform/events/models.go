package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	id "carbonledger/pkg/domain"
	"carbonledger/pkg/requestcontext"
)

// Kind names an externally observable ledger notification.
type Kind string

const (
	KindDeviceRegistered Kind = "device_registered"
	KindCreditGenerated  Kind = "credit_generated"
	KindCreditVerified   Kind = "credit_verified"
	KindCreditListed     Kind = "credit_listed"
	KindCreditTraded     Kind = "credit_traded"
	KindOracleAuthorized Kind = "oracle_authorized"
)

// Event is one append-only notification. Seq is assigned when the emitting
// transaction commits and orders events by serialization order. Fields not
// relevant to Kind are left zero.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`

	DeviceKey  id.DeviceKey `json:"device_key,omitempty"`
	DeviceType string       `json:"device_type,omitempty"`
	Owner      id.Address   `json:"owner,omitempty"`

	CreditID *id.CreditID `json:"credit_id,omitempty"`
	Producer id.Address   `json:"producer,omitempty"`
	CO2Kg    int64        `json:"co2_kg,omitempty"`
	Oracle   id.Address   `json:"oracle,omitempty"`
	Price    int64        `json:"price,omitempty"`
	Seller   id.Address   `json:"seller,omitempty"`
	Buyer    id.Address   `json:"buyer,omitempty"`

	Identity id.Address `json:"identity,omitempty"`
}

// WithRequest tags e with the request ID carried by ctx. An ID already set
// is kept.
func WithRequest(ctx context.Context, e Event) Event {
	if e.RequestID == "" {
		e.RequestID = requestcontext.RequestID(ctx)
	}
	return e
}

// Sink receives committed events in order.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Store is a Sink that can replay what it holds.
type Store interface {
	Sink
	ListAfter(ctx context.Context, seq uint64, limit int) ([]Event, error)
}

func newEvent(kind Kind, at time.Time) Event {
	return Event{ID: uuid.New(), Kind: kind, Timestamp: at}
}

func DeviceRegistered(key id.DeviceKey, owner id.Address, deviceType string, at time.Time) Event {
	e := newEvent(KindDeviceRegistered, at)
	e.DeviceKey = key
	e.Owner = owner
	e.DeviceType = deviceType
	return e
}

func CreditGenerated(creditID id.CreditID, producer id.Address, co2Kg int64, device id.DeviceKey, at time.Time) Event {
	e := newEvent(KindCreditGenerated, at)
	e.CreditID = &creditID
	e.Producer = producer
	e.CO2Kg = co2Kg
	e.DeviceKey = device
	return e
}

func CreditVerified(creditID id.CreditID, oracle id.Address, at time.Time) Event {
	e := newEvent(KindCreditVerified, at)
	e.CreditID = &creditID
	e.Oracle = oracle
	return e
}

func CreditListed(creditID id.CreditID, price int64, at time.Time) Event {
	e := newEvent(KindCreditListed, at)
	e.CreditID = &creditID
	e.Price = price
	return e
}

func CreditTraded(creditID id.CreditID, seller, buyer id.Address, price int64, at time.Time) Event {
	e := newEvent(KindCreditTraded, at)
	e.CreditID = &creditID
	e.Seller = seller
	e.Buyer = buyer
	e.Price = price
	return e
}

func OracleAuthorized(identity id.Address, at time.Time) Event {
	e := newEvent(KindOracleAuthorized, at)
	e.Identity = identity
	return e
}
