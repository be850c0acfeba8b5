package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"debtord/internal/model"
)

// ErrCacheMiss reports that no snapshot exists for the account.
var ErrCacheMiss = errors.New("balance not found in cache")

// snapshotTTL bounds staleness if an invalidation is ever lost.
const snapshotTTL = time.Minute

// BalanceCache is a read-side snapshot of account balances. Postgres stays
// the system of record: entries are warmed on read misses and dropped when
// a settlement touches the account.
type BalanceCache struct {
	redisClient *redis.Client
}

func NewBalanceCache(rdb *redis.Client) *BalanceCache {
	return &BalanceCache{redisClient: rdb}
}

func balanceKey(debtorID, creditorID int64) string {
	return fmt.Sprintf("balance:%d:%d", debtorID, creditorID)
}

func (c *BalanceCache) Get(ctx context.Context, debtorID, creditorID int64) (*model.Account, error) {
	data, err := c.redisClient.Get(ctx, balanceKey(debtorID, creditorID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read balance snapshot: %w", err)
	}
	var a model.Account
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode balance snapshot: %w", err)
	}
	return &a, nil
}

func (c *BalanceCache) Set(ctx context.Context, a *model.Account) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode balance snapshot: %w", err)
	}
	if err := c.redisClient.Set(ctx, balanceKey(a.DebtorID, a.CreditorID), data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("write balance snapshot: %w", err)
	}
	return nil
}

func (c *BalanceCache) Invalidate(ctx context.Context, debtorID, creditorID int64) error {
	return c.redisClient.Del(ctx, balanceKey(debtorID, creditorID)).Err()
}
