//go:build integration
// +build integration

package cache

import (
	"context"
	"testing"
	"time"
)

// TestMemcachedStore_GetSet_Integration verifies that MemcachedStore stores and
// retrieves values when a memcached server is available.
func TestMemcachedStore_GetSet_Integration(t *testing.T) {
	s := NewMemcachedStore("localhost:11211", 500*time.Millisecond, 2)
	defer s.Close()

	ctx := context.Background()
	if err := s.Set(ctx, "weather:fresh:new york", []byte(`{"city":"new york"}`), time.Minute); err != nil {
		t.Skipf("Set failed (memcached may not be running): %v", err)
	}
	got, ok, err := s.Get(ctx, "weather:fresh:new york")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok || string(got) != `{"city":"new york"}` {
		t.Errorf("Get() = (%s, %v), want stored value", got, ok)
	}
}

// TestMemcachedStore_Get_Miss_Integration verifies that MemcachedStore reports a
// miss, not an error, for an absent key.
func TestMemcachedStore_Get_Miss_Integration(t *testing.T) {
	s := NewMemcachedStore("localhost:11211", 500*time.Millisecond, 2)
	defer s.Close()

	_, ok, err := s.Get(context.Background(), "weather:fresh:nonexistent")
	if err != nil {
		t.Skipf("Get failed (memcached may not be running): %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

// TestMemcachedStore_Ping_Integration verifies the health probe.
func TestMemcachedStore_Ping_Integration(t *testing.T) {
	s := NewMemcachedStore("localhost:11211", 500*time.Millisecond, 2)
	defer s.Close()
	if err := s.Ping(context.Background()); err != nil {
		t.Skipf("Ping failed (memcached may not be running): %v", err)
	}
}
