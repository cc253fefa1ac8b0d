package models

import (
	"time"

	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
)

// Status is the derived lifecycle state of a credit.
type Status string

const (
	StatusUnverified Status = "unverified"
	StatusVerified   Status = "verified"
	StatusListed     Status = "listed"
)

// Credit is one attested CO2 reduction record.
//
// Invariants:
//   - ForSale implies Price > 0
//   - ForSale implies Verified
//   - Owner is never the null identity
//   - Verified never reverts to false
//
// Transitions: unverified -verify-> verified -list-> listed -purchase-> verified
// (new owner). Listed credits may be re-listed at a new price.
type Credit struct {
	ID         id.CreditID  `json:"credit_id"`
	Producer   id.Address   `json:"producer"`
	CO2Kg      int64        `json:"co2_kg"`
	CreatedAt  time.Time    `json:"created_at"`
	DeviceKey  id.DeviceKey `json:"device_key"`
	Verified   bool         `json:"verified"`
	VerifiedBy id.Address   `json:"verified_by,omitempty"`
	VerifiedAt *time.Time   `json:"verified_at,omitempty"`
	Price      int64        `json:"price"`
	ForSale    bool         `json:"for_sale"`
	Owner      id.Address   `json:"owner"`
}

// Listing is a verified credit currently offered at Price.
type Listing struct {
	CreditID id.CreditID `json:"credit_id"`
	Price    int64       `json:"price"`
}

// Sale is the outcome of ApplySale.
type Sale struct {
	CreditID id.CreditID
	Seller   id.Address
	Buyer    id.Address
	Price    int64
}

// NewCredit builds an unverified, unlisted credit owned by its producer.
func NewCredit(creditID id.CreditID, device id.DeviceKey, producer id.Address, co2Kg int64, now time.Time) (*Credit, error) {
	if co2Kg <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "co2 amount must be positive")
	}
	if producer.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "producer cannot be the null identity")
	}
	return &Credit{
		ID:        creditID,
		Producer:  producer,
		CO2Kg:     co2Kg,
		CreatedAt: now,
		DeviceKey: device,
		Owner:     producer,
	}, nil
}

func (c *Credit) Status() Status {
	switch {
	case c.ForSale:
		return StatusListed
	case c.Verified:
		return StatusVerified
	default:
		return StatusUnverified
	}
}

// CanVerify rejects re-verification.
func (c *Credit) CanVerify() error {
	if c.Verified {
		return dErrors.New(dErrors.CodeAlreadyVerified, "credit is already verified")
	}
	return nil
}

func (c *Credit) ApplyVerification(oracle id.Address, now time.Time) {
	c.Verified = true
	c.VerifiedBy = oracle
	c.VerifiedAt = &now
}

// CanList checks ownership, verification and price, in that order.
func (c *Credit) CanList(caller id.Address, price int64) error {
	if caller != c.Owner {
		return dErrors.New(dErrors.CodeNotOwner, "caller does not own credit")
	}
	if !c.Verified {
		return dErrors.New(dErrors.CodeNotVerified, "credit is not verified")
	}
	if price <= 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "price must be positive")
	}
	return nil
}

func (c *Credit) ApplyListing(price int64) {
	c.Price = price
	c.ForSale = true
}

// CanPurchase checks the credit can move to buyer for payment.
func (c *Credit) CanPurchase(buyer id.Address, payment int64) error {
	if !c.Verified {
		return dErrors.New(dErrors.CodeNotVerified, "credit is not verified")
	}
	if !c.ForSale {
		return dErrors.New(dErrors.CodeNotForSale, "credit is not for sale")
	}
	if buyer == c.Owner {
		return dErrors.New(dErrors.CodeSelfTrade, "owner cannot buy own credit")
	}
	if payment < c.Price {
		return dErrors.New(dErrors.CodeInsufficientPayment, "payment is below the listed price")
	}
	return nil
}

// ApplySale moves ownership to buyer and clears the listing.
func (c *Credit) ApplySale(buyer id.Address) Sale {
	sale := Sale{CreditID: c.ID, Seller: c.Owner, Buyer: buyer, Price: c.Price}
	c.Owner = buyer
	c.ForSale = false
	c.Price = 0
	return sale
}

// Clone returns a deep copy.
func (c *Credit) Clone() *Credit {
	cp := *c
	if c.VerifiedAt != nil {
		at := *c.VerifiedAt
		cp.VerifiedAt = &at
	}
	return &cp
}
