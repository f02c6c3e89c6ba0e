package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

const (
	valueClaimed   = "claimed"
	valueProcessed = "processed"
)

// releaseScript deletes the key only while it still holds a claim.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a shared ledger. Claims are SET NX with a short TTL so a crashed worker
// cannot block an id forever; processed records keep the longer TTL.
type Redis struct {
	rdb      redis.UniversalClient
	prefix   string
	ttl      time.Duration
	claimTTL time.Duration
}

var _ rpc.Ledger = (*Redis)(nil)

type RedisOption func(*Redis)

// WithKeyPrefix namespaces ledger keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = strings.Trim(prefix, ":") }
}

// WithTTL bounds how long a processed id is remembered.
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithClaimTTL bounds how long an in-flight claim survives without completion.
func WithClaimTTL(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.claimTTL = d
		}
	}
}

// NewRedis builds a ledger over rdb.
func NewRedis(rdb redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:      rdb,
		prefix:   "rpc:idempotency",
		ttl:      24 * time.Hour,
		claimTTL: time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Redis) key(id uuid.UUID) string { return r.prefix + ":" + id.String() }

func (r *Redis) IsProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	v, err := r.rdb.Get(ctx, r.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("ledger get %s: %w", id, err)
	}

	return v == valueProcessed, nil
}

func (r *Redis) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.key(id), valueClaimed, r.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("ledger claim %s: %w", id, err)
	}

	return ok, nil
}

func (r *Redis) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	if err := r.rdb.Set(ctx, r.key(id), valueProcessed, r.ttl).Err(); err != nil {
		return fmt.Errorf("ledger mark %s: %w", id, err)
	}

	return nil
}

func (r *Redis) Release(ctx context.Context, id uuid.UUID) error {
	if err := releaseScript.Run(ctx, r.rdb, []string{r.key(id)}, valueClaimed).Err(); err != nil &&
		!errors.Is(err, redis.Nil) {
		return fmt.Errorf("ledger release %s: %w", id, err)
	}

	return nil
}
