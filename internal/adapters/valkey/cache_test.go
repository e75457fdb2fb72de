package valkey

import (
	"context"
	"errors"
	"testing"

	"github.com/samirrijal/pulsemap/internal/core/ports"
)

// A nil *Cache wrapped in the port interface is what the binaries hand to
// services when Valkey is down at startup. Every method must degrade, not
// dereference.
func TestCache_NilClientDegrades(t *testing.T) {
	var c *Cache
	var svc ports.CacheService = c
	ctx := context.Background()

	if _, err := svc.Get(ctx, "k"); !errors.Is(err, ErrNoClient) {
		t.Errorf("Get error = %v, want ErrNoClient", err)
	}
	if err := svc.Set(ctx, "k", []byte("v"), 60); !errors.Is(err, ErrNoClient) {
		t.Errorf("Set error = %v, want ErrNoClient", err)
	}
	if err := svc.Delete(ctx, "k"); !errors.Is(err, ErrNoClient) {
		t.Errorf("Delete error = %v, want ErrNoClient", err)
	}
	if err := c.Ping(ctx); !errors.Is(err, ErrNoClient) {
		t.Errorf("Ping error = %v, want ErrNoClient", err)
	}
	c.Close() // must not panic
}

func TestCache_ZeroValueDegrades(t *testing.T) {
	c := &Cache{}
	if _, err := c.Get(context.Background(), "k"); !errors.Is(err, ErrNoClient) {
		t.Errorf("Get error = %v, want ErrNoClient", err)
	}
}
