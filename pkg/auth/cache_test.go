package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestMemoryCache_LRU(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2)

	c.Set(ctx, "a", &Identity{UserID: "a"}, time.Minute)
	c.Set(ctx, "b", &Identity{UserID: "b"}, time.Minute)
	c.Get(ctx, "a") // a is now most recent
	c.Set(ctx, "c", &Identity{UserID: "c"}, time.Minute)

	if _, ok, _ := c.Get(ctx, "b"); ok {
		t.Error("least recently used entry was not evicted")
	}
	for _, k := range []string{"a", "c"} {
		if id, ok, _ := c.Get(ctx, k); !ok || id.UserID != k {
			t.Errorf("entry %s missing", k)
		}
	}

	stats := c.Stats()
	if stats.Size != 2 || stats.EvictionCount != 1 || stats.MissCount != 1 || stats.HitCount != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMemoryCache_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	c := NewMemoryCache(4)
	c.now = func() time.Time { return now }

	c.Set(ctx, "tok", &Identity{UserID: "u"}, 10*time.Second)
	if _, ok, _ := c.Get(ctx, "tok"); !ok {
		t.Fatal("fresh entry missing")
	}

	now = now.Add(10 * time.Second)
	if _, ok, _ := c.Get(ctx, "tok"); ok {
		t.Error("entry served at its expiry")
	}
	if c.Stats().Size != 0 {
		t.Error("expired entry not removed")
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(4)
	c.Set(ctx, "tok", &Identity{UserID: "u"}, time.Minute)
	c.Delete(ctx, "tok")
	c.Delete(ctx, "missing")

	if _, ok, _ := c.Get(ctx, "tok"); ok {
		t.Error("deleted entry still served")
	}
}

func TestRedisKey(t *testing.T) {
	k := redisKey("secret-token")
	if !strings.HasPrefix(k, redisKeyPrefix) || strings.Contains(k, "secret-token") {
		t.Errorf("redis key %q leaks the token", k)
	}
	if redisKey("secret-token") != k {
		t.Error("redis key not stable")
	}
}

func TestIdentity_CanGenerate(t *testing.T) {
	tests := []struct {
		name string
		info map[string]any
		want bool
	}{
		{"trusted", map[string]any{"active": true, "trust_level": float64(2)}, true},
		{"high_trust", map[string]any{"active": true, "trust_level": 4}, true},
		{"inactive", map[string]any{"active": false, "trust_level": float64(3)}, false},
		{"silenced", map[string]any{"active": true, "silenced": true, "trust_level": float64(3)}, false},
		{"low_trust", map[string]any{"active": true, "trust_level": float64(1)}, false},
		{"empty", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := &Identity{UserInfo: tt.info}
			if got := id.CanGenerate(); got != tt.want {
				t.Errorf("CanGenerate() = %v, want %v", got, tt.want)
			}
		})
	}
}
