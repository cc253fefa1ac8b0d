// Package payment moves value between ledger accounts.
//
// A purchase attaches a payment to the call. Settlement debits the attached
// amount from the payer and credits each payout, all or nothing. Payout
// amounts always sum to the attached amount.
package payment

import (
	"context"

	id "carbonledger/pkg/domain"
	dErrors "carbonledger/pkg/domain-errors"
)

// Payout credits Amount to To.
type Payout struct {
	To     id.Address `json:"to"`
	Amount int64      `json:"amount"`
}

// Batch is one atomic settlement.
type Batch struct {
	Payer    id.Address `json:"payer"`
	Attached int64      `json:"attached"`
	Payouts  []Payout   `json:"payouts"`
}

// Validate checks the batch conserves value.
func (b Batch) Validate() error {
	if b.Payer.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "payer cannot be the null identity")
	}
	if b.Attached < 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "attached amount cannot be negative")
	}
	var total int64
	for _, p := range b.Payouts {
		if p.To.IsNil() {
			return dErrors.New(dErrors.CodeInvalidInput, "payout recipient cannot be the null identity")
		}
		if p.Amount <= 0 {
			return dErrors.New(dErrors.CodeInvalidInput, "payout amount must be positive")
		}
		total += p.Amount
	}
	if total != b.Attached {
		return dErrors.New(dErrors.CodeInvalidInput, "payouts must sum to the attached amount")
	}
	return nil
}

// Wallets is a balance book that can settle batches.
type Wallets interface {
	// Settle fails with sentinel.ErrInsufficientFunds when the payer cannot
	// cover Attached. Nothing moves on failure.
	Settle(ctx context.Context, batch Batch) error
	Deposit(ctx context.Context, to id.Address, amount int64) error
	Balance(ctx context.Context, owner id.Address) (int64, error)
}

// Sale builds the settlement for buying at price with payment attached: the
// seller receives price and any excess goes back to the buyer.
func Sale(buyer, seller id.Address, price, attached int64) Batch {
	b := Batch{Payer: buyer, Attached: attached}
	if price > 0 {
		b.Payouts = append(b.Payouts, Payout{To: seller, Amount: price})
	}
	if refund := attached - price; refund > 0 {
		b.Payouts = append(b.Payouts, Payout{To: buyer, Amount: refund})
	}
	return b
}

// Reversal returns the batches that undo b: each payout recipient other than
// the payer sends its amount back. Applied after b, balances return to where
// they were before b settled.
func (b Batch) Reversal() []Batch {
	var out []Batch
	for _, p := range b.Payouts {
		if p.To == b.Payer {
			continue
		}
		out = append(out, Batch{
			Payer:    p.To,
			Attached: p.Amount,
			Payouts:  []Payout{{To: b.Payer, Amount: p.Amount}},
		})
	}
	return out
}

func validDeposit(to id.Address, amount int64) error {
	if to.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "deposit recipient cannot be the null identity")
	}
	if amount <= 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "deposit amount must be positive")
	}
	return nil
}
