package payment

import (
	"context"
	"sync"

	id "carbonledger/pkg/domain"
	"carbonledger/pkg/platform/sentinel"
)

// InMemoryWallets keeps balances in a map.
type InMemoryWallets struct {
	mu       sync.Mutex
	balances map[id.Address]int64
}

func NewInMemoryWallets() *InMemoryWallets {
	return &InMemoryWallets{balances: make(map[id.Address]int64)}
}

func (w *InMemoryWallets) Settle(ctx context.Context, batch Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.balances[batch.Payer] < batch.Attached {
		return sentinel.ErrInsufficientFunds
	}
	w.balances[batch.Payer] -= batch.Attached
	for _, p := range batch.Payouts {
		w.balances[p.To] += p.Amount
	}
	return nil
}

func (w *InMemoryWallets) Deposit(_ context.Context, to id.Address, amount int64) error {
	if err := validDeposit(to, amount); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[to] += amount
	return nil
}

func (w *InMemoryWallets) Balance(_ context.Context, owner id.Address) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[owner], nil
}
