package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	id "carbonledger/pkg/domain"
	"carbonledger/pkg/platform/sentinel"
)

const defaultWalletKey = "carbon:wallets"

// settleScript debits ARGV[2] from ARGV[1] and applies the (to, amount) pairs
// that follow, in one atomic step. Returns 0 when the payer is short.
var settleScript = redis.NewScript(`
local balance = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local attached = tonumber(ARGV[2])
if balance < attached then
	return 0
end
if attached > 0 then
	redis.call('HINCRBY', KEYS[1], ARGV[1], -attached)
end
for i = 3, #ARGV, 2 do
	redis.call('HINCRBY', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// RedisWallets keeps balances in a single Redis hash so a settlement touches
// one key and runs as one script.
type RedisWallets struct {
	client redis.Cmdable
	key    string
}

type RedisOption func(*RedisWallets)

// WithWalletKey overrides the hash that holds balances.
func WithWalletKey(key string) RedisOption {
	return func(w *RedisWallets) {
		w.key = key
	}
}

func NewRedisWallets(client redis.Cmdable, opts ...RedisOption) *RedisWallets {
	w := &RedisWallets{client: client, key: defaultWalletKey}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *RedisWallets) Settle(ctx context.Context, batch Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	args := make([]any, 0, 2+2*len(batch.Payouts))
	args = append(args, batch.Payer.String(), batch.Attached)
	for _, p := range batch.Payouts {
		args = append(args, p.To.String(), p.Amount)
	}
	ok, err := settleScript.Run(ctx, w.client, []string{w.key}, args...).Int()
	if err != nil {
		return fmt.Errorf("settle batch: %w", err)
	}
	if ok == 0 {
		return sentinel.ErrInsufficientFunds
	}
	return nil
}

func (w *RedisWallets) Deposit(ctx context.Context, to id.Address, amount int64) error {
	if err := validDeposit(to, amount); err != nil {
		return err
	}
	if err := w.client.HIncrBy(ctx, w.key, to.String(), amount).Err(); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}
	return nil
}

func (w *RedisWallets) Balance(ctx context.Context, owner id.Address) (int64, error) {
	balance, err := w.client.HGet(ctx, w.key, owner.String()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}
