package relay

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisLedgerPrefix = "flowrelay:trigger:"
	defaultRedisLedgerIndex  = "flowrelay:trigger-index"
)

// RedisLedger stores one key per admitted id. A sorted set scored by admission
// time indexes the keys so entries past MaxEntries can be evicted oldest first.
type RedisLedger struct {
	client     *redis.Client
	prefix     string
	index      string
	window     time.Duration
	maxEntries int
	now        func() time.Time
}

func NewRedisLedger(dsn string, opts LedgerOptions) (*RedisLedger, error) {
	redisOpts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("%w: redis dsn: %v", ErrInvalidInput, err)
	}
	return NewRedisLedgerWithClient(redis.NewClient(redisOpts), opts), nil
}

func NewRedisLedgerWithClient(client *redis.Client, opts LedgerOptions) *RedisLedger {
	window := opts.Window
	if window < 0 {
		window = 0
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = defaultLedgerMaxEntries
	}
	return &RedisLedger{
		client:     client,
		prefix:     defaultRedisLedgerPrefix,
		index:      defaultRedisLedgerIndex,
		window:     window,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Admit relies on SETNX; a zero window stores the key without expiry.
func (l *RedisLedger) Admit(ctx context.Context, triggerID string) (bool, error) {
	triggerID = strings.TrimSpace(triggerID)
	if triggerID == "" {
		return false, ErrInvalidInput
	}
	now := l.now().UTC()
	ok, err := l.client.SetNX(ctx, l.prefix+triggerID, now.UnixNano(), l.window).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return false, nil
	}
	// Index upkeep is best effort once the key is set; the next admit retries the
	// trim.
	_ = l.client.ZAdd(ctx, l.index, redis.Z{Score: float64(now.UnixMilli()), Member: triggerID}).Err()
	_ = l.trim(ctx, now)
	return true, nil
}

// trim drops index members whose keys expired with the window, then evicts the
// oldest ids past maxEntries.
func (l *RedisLedger) trim(ctx context.Context, now time.Time) error {
	if l.window > 0 {
		cutoff := strconv.FormatInt(now.Add(-l.window).UnixMilli(), 10)
		if err := l.client.ZRemRangeByScore(ctx, l.index, "-inf", "("+cutoff).Err(); err != nil {
			return err
		}
	}
	size, err := l.client.ZCard(ctx, l.index).Result()
	if err != nil {
		return err
	}
	excess := size - int64(l.maxEntries)
	if excess <= 0 {
		return nil
	}
	evicted, err := l.client.ZRange(ctx, l.index, 0, excess-1).Result()
	if err != nil || len(evicted) == 0 {
		return err
	}
	keys := make([]string, 0, len(evicted))
	members := make([]any, 0, len(evicted))
	for _, id := range evicted {
		keys = append(keys, l.prefix+id)
		members = append(members, id)
	}
	pipe := l.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, l.index, members...)
	_, err = pipe.Exec(ctx)
	return err
}

func (l *RedisLedger) Forget(ctx context.Context, triggerID string) error {
	triggerID = strings.TrimSpace(triggerID)
	if triggerID == "" {
		return ErrInvalidInput
	}
	pipe := l.client.TxPipeline()
	pipe.Del(ctx, l.prefix+triggerID)
	pipe.ZRem(ctx, l.index, triggerID)
	_, err := pipe.Exec(ctx)
	return err
}

func (l *RedisLedger) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
