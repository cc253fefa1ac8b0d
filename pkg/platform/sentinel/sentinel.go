// Package sentinel holds the facts stores report about ledger state. Services
// translate them into coded domain errors; they never reach HTTP as-is.
package sentinel

import "errors"

var (
	// ErrNotFound: no device, credit or grant under the key.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyUsed: a device key or oracle grant is already bound.
	ErrAlreadyUsed = errors.New("already used")
	// ErrInsufficientFunds: the payer wallet cannot cover a settlement debit.
	ErrInsufficientFunds = errors.New("insufficient funds")
)
