package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lumi-journal/lumi/internal/storage/sqlite"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestStores_GetSetExpire(t *testing.T) {
	clk := &clock{t: time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)}

	db, err := sqlite.Open(context.Background(), sqlite.Memory)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mem := NewMemoryStore()
	mem.now = clk.now
	sq := NewSQLiteStore(db)
	sq.now = clk.now

	for name, s := range map[string]Store{"memory": mem, "sqlite": sq} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk.t = time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)

			if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
				t.Fatalf("Get(missing) = %v, %v", ok, err)
			}
			if err := s.Set(ctx, "k", "v1", time.Hour); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if err := s.Set(ctx, "forever", "x", 0); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if v, ok, _ := s.Get(ctx, "k"); !ok || v != "v1" {
				t.Errorf("Get(k) = %q, %v", v, ok)
			}
			if err := s.Set(ctx, "k", "v2", time.Hour); err != nil {
				t.Fatalf("Set overwrite: %v", err)
			}
			if v, _, _ := s.Get(ctx, "k"); v != "v2" {
				t.Errorf("Get(k) after overwrite = %q", v)
			}

			clk.t = clk.t.Add(2 * time.Hour)
			if _, ok, _ := s.Get(ctx, "k"); ok {
				t.Error("expired key still present")
			}
			if v, ok, _ := s.Get(ctx, "forever"); !ok || v != "x" {
				t.Errorf("Get(forever) = %q, %v", v, ok)
			}
		})
	}
}

func TestStores_SetNX(t *testing.T) {
	clk := &clock{t: time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)}
	db, err := sqlite.Open(context.Background(), sqlite.Memory)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mem := NewMemoryStore()
	mem.now = clk.now
	sq := NewSQLiteStore(db)
	sq.now = clk.now

	for name, s := range map[string]Store{"memory": mem, "sqlite": sq} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clk.t = time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)

			steps := []struct {
				name    string
				advance time.Duration
				value   string
				want    bool
				stored  string
			}{
				{"absent key is claimed", 0, "first", true, "first"},
				{"live key is kept", 30 * time.Minute, "second", false, "first"},
				{"expired key is reclaimed", 2 * time.Hour, "third", true, "third"},
			}
			for _, st := range steps {
				clk.t = clk.t.Add(st.advance)
				got, err := s.SetNX(ctx, "greeted", st.value, time.Hour)
				if err != nil {
					t.Fatalf("%s: SetNX: %v", st.name, err)
				}
				if got != st.want {
					t.Errorf("%s: SetNX = %v, want %v", st.name, got, st.want)
				}
				if v, _, _ := s.Get(ctx, "greeted"); v != st.stored {
					t.Errorf("%s: stored value = %q, want %q", st.name, v, st.stored)
				}
			}

			if ok, _ := s.SetNX(ctx, "pinned", "x", 0); !ok {
				t.Fatal("SetNX(pinned) = false on an absent key")
			}
			clk.t = clk.t.Add(1000 * time.Hour)
			if ok, _ := s.SetNX(ctx, "pinned", "y", 0); ok {
				t.Error("a key without expiry was overwritten")
			}
		})
	}
}

type fakeRedis struct {
	data    map[string]string
	lastTTL time.Duration
	err     error
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.data[key] = value.(string)
	f.lastTTL = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = value.(string)
	f.lastTTL = ttl
	return redis.NewBoolResult(true, nil)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRedis{data: map[string]string{}}
	s := NewRedisStore(fake, "lumi:")

	if _, ok, err := s.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("Get(missing) = %v, %v", ok, err)
	}
	if err := s.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := fake.data["lumi:k"]; !ok {
		t.Errorf("key not prefixed: %v", fake.data)
	}
	if fake.lastTTL != time.Minute {
		t.Errorf("ttl = %v", fake.lastTTL)
	}
	if v, ok, _ := s.Get(ctx, "k"); !ok || v != "v" {
		t.Errorf("Get = %q, %v", v, ok)
	}

	fake.err = errors.New("connection refused")
	if _, _, err := s.Get(ctx, "k"); err == nil {
		t.Error("expected error")
	}
	if err := s.Set(ctx, "k", "v", 0); !errors.Is(err, fake.err) {
		t.Errorf("Set err = %v", err)
	}
	if _, err := s.SetNX(ctx, "k", "v", 0); !errors.Is(err, fake.err) {
		t.Errorf("SetNX err = %v", err)
	}
}

func TestRedisStore_SetNX(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRedis{data: map[string]string{}}
	s := NewRedisStore(fake, "lumi:")

	if ok, err := s.SetNX(ctx, "greeted", "a", 48*time.Hour); !ok || err != nil {
		t.Fatalf("first SetNX = %v, %v", ok, err)
	}
	if fake.data["lumi:greeted"] != "a" || fake.lastTTL != 48*time.Hour {
		t.Errorf("data = %v, ttl = %v", fake.data, fake.lastTTL)
	}
	if ok, err := s.SetNX(ctx, "greeted", "b", 48*time.Hour); ok || err != nil {
		t.Errorf("second SetNX = %v, %v, want false", ok, err)
	}
	if fake.data["lumi:greeted"] != "a" {
		t.Errorf("value overwritten: %v", fake.data)
	}
}
