package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// memcached rejects keys over 250 bytes or containing whitespace/control characters.
const maxMemcachedKey = 250

// MemcachedStore implements Store using memcached.
type MemcachedStore struct {
	client *memcache.Client
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// memcachedKey escapes city keys ("weather:fresh:new york") into the memcached key alphabet.
func memcachedKey(k string) string {
	escaped := url.PathEscape(k)
	if len(escaped) <= maxMemcachedKey {
		return escaped
	}
	sum := sha256.Sum256([]byte(k))
	return "h:" + hex.EncodeToString(sum[:])
}

// Get implements Store.Get. The memcache client has no context support; ctx is
// checked before the call and the client timeout bounds the call itself.
func (s *MemcachedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, storeError("memcached get", err)
	}
	item, err := s.client.Get(memcachedKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeError("memcached get", err)
	}
	return item.Value, true, nil
}

// Set implements Store.Set. TTLs beyond memcached's 30-day relative limit are clamped.
func (s *MemcachedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return storeError("memcached set", err)
	}
	const maxRelativeExp = 30 * 24 * 60 * 60
	expSec := int32(ttl.Seconds())
	if expSec <= 0 {
		expSec = 1
	}
	if expSec > maxRelativeExp {
		expSec = maxRelativeExp
	}
	err := s.client.Set(&memcache.Item{
		Key:        memcachedKey(key),
		Value:      value,
		Expiration: expSec,
	})
	if err != nil {
		return storeError("memcached set", err)
	}
	return nil
}

// Ping checks if memcached is reachable.
func (s *MemcachedStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storeError("memcached ping", err)
	}
	if err := s.client.Ping(); err != nil {
		return storeError("memcached ping", err)
	}
	return nil
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}
