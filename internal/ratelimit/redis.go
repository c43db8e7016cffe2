package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript refills and conditionally deducts in one server-side step.
// KEYS[1]: bucket hash (fields tokens, ts)
// ARGV[1]: capacity
// ARGV[2]: refill rate, tokens per millisecond
// ARGV[3]: now, unix milliseconds
// ARGV[4]: tokens requested (0 = peek)
// ARGV[5]: key TTL, milliseconds
// Returns {allowed, tokens}; tokens is a string to keep the fraction.
var takeScript = redis.NewScript(`
	local capacity = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])
	local ttl = tonumber(ARGV[5])

	local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
	local tokens = tonumber(state[1])
	local ts = tonumber(state[2])
	if not tokens or not ts then
		tokens = capacity
		ts = now
	end

	local elapsed = now - ts
	if elapsed < 0 then elapsed = 0 end -- clock skew between replicas
	tokens = math.min(capacity, tokens + elapsed * rate)
	if now > ts then ts = now end

	local allowed = 0
	if requested == 0 then
		allowed = 1
	elseif tokens >= requested then
		tokens = tokens - requested
		allowed = 1
	end

	redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", tostring(ts))
	redis.call("PEXPIRE", KEYS[1], ttl)
	return {allowed, tostring(tokens)}
`)

// RedisStore shares buckets across replicas through a Lua script, so every
// instance draws from the same hourly budget.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore. Keys are prefix + partition; prefix
// defaults to "ratelimit:weather:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit:weather:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Take implements BucketStore.
func (s *RedisStore) Take(ctx context.Context, p Partition, b Bucket, n float64, now time.Time) (bool, float64, error) {
	perMs := b.RefillPerSecond / 1000
	// Idle buckets expire once they would have refilled twice over.
	ttl := int64(time.Hour / time.Millisecond)
	if b.RefillPerSecond > 0 {
		full := int64(math.Ceil(b.Capacity/perMs)) * 2
		if full > ttl {
			ttl = full
		}
	}
	res, err := takeScript.Run(ctx, s.client, []string{s.prefix + string(p)},
		strconv.FormatFloat(b.Capacity, 'f', -1, 64),
		strconv.FormatFloat(perMs, 'g', -1, 64),
		now.UnixMilli(),
		strconv.FormatFloat(n, 'f', -1, 64),
		ttl,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit take %s: %w", p, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit take %s: unexpected reply %v", p, res)
	}
	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	balance, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit take %s: parse balance %q: %w", p, raw, err)
	}
	return allowed == 1, balance, nil
}
