package ingress

import (
	"context"
	"testing"
	"time"

	"github.com/couriermq/courier/internal/authclient"
)

type stubClock struct{ now time.Time }

func (c *stubClock) Now() time.Time                            { return c.now }
func (c *stubClock) After(time.Duration) <-chan time.Time      { return nil }
func (c *stubClock) Since(t time.Time) time.Duration           { return c.now.Sub(t) }
func (c *stubClock) Sleep(context.Context, time.Duration) bool { return true }

func TestClientCacheExpiry(t *testing.T) {
	clk := &stubClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := newClientCache(30*time.Second, clk)

	c.put("aabb", authclient.ClientInfo{ClientID: "client-a", Status: "active"})

	if info, ok := c.get("aabb"); !ok || info.ClientID != "client-a" {
		t.Fatalf("get = %v, %v", info, ok)
	}

	clk.now = clk.now.Add(29 * time.Second)
	if _, ok := c.get("aabb"); !ok {
		t.Error("entry expired before its TTL")
	}

	clk.now = clk.now.Add(2 * time.Second)
	if _, ok := c.get("aabb"); ok {
		t.Error("entry survived past its TTL")
	}
}

func TestClientCacheMiss(t *testing.T) {
	clk := &stubClock{now: time.Now()}
	c := newClientCache(time.Minute, clk)
	if _, ok := c.get("unknown"); ok {
		t.Error("miss reported as hit")
	}
}
