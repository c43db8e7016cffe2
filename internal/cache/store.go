package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrStoreUnavailable marks a backing store failure (connection error, timeout).
// It is recovered inside the cache layer and never reaches callers of Manager.
var ErrStoreUnavailable = errors.New("backing store unavailable")

// Store is a shared key-value store with TTL support. Get returns
// (nil, false, nil) on a miss; any error means the store could not answer.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// errorCategory maps a store error to a metric label.
func errorCategory(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "unavailable"
}
