package redis

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chakulahq/chakula-backend/pkg/config"
	"github.com/chakulahq/chakula-backend/pkg/logger"
)

type fakeStore struct {
	values  map[string]string
	expires map[string]time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: map[string]string{}, expires: map[string]time.Duration{}}
}

func (f *fakeStore) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeStore) Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.values[key] = toString(value)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeStore) Get(ctx context.Context, key string) *redis.StringCmd {
	if v, ok := f.values[key]; ok {
		return redis.NewStringResult(v, nil)
	}
	return redis.NewStringResult("", redis.Nil)
}

func (f *fakeStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = toString(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeStore) Incr(ctx context.Context, key string) *redis.IntCmd {
	n := int64(1)
	if v, ok := f.values[key]; ok && v == "1" {
		n = 2
	}
	f.values[key] = "1"
	return redis.NewIntResult(n, nil)
}

func (f *fakeStore) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	f.expires[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeStore) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.values, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "1"
}

func TestIncrWithTTLSetsExpiryOnFirstIncrement(t *testing.T) {
	store := newFakeStore()
	client := &Client{store: store}

	key := client.CounterKey("orders:20260831")
	count, err := client.IncrWithTTL(context.Background(), key, 48*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected first count 1, got %d", count)
	}
	if store.expires[key] != 48*time.Hour {
		t.Fatalf("expected ttl set on first increment")
	}
}

func TestSetNXReportsExisting(t *testing.T) {
	store := newFakeStore()
	client := &Client{store: store}

	key := client.IdempotencyKey("mpesa_callback", "mr-1:0")
	first, err := client.SetNX(context.Background(), key, "1", time.Minute)
	if err != nil || !first {
		t.Fatalf("expected first SetNX to win, got %v %v", first, err)
	}
	second, err := client.SetNX(context.Background(), key, "1", time.Minute)
	if err != nil || second {
		t.Fatalf("expected second SetNX to lose, got %v %v", second, err)
	}
}

func TestNewRequiresURLOrAddress(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	if _, err := New(context.Background(), config.RedisConfig{}, logg); err == nil {
		t.Fatal("expected error for missing url and address")
	}
	if _, err := New(context.Background(), config.RedisConfig{}, nil); err == nil {
		t.Fatal("expected error regardless of logger presence")
	}
}

func TestKeyNamespaces(t *testing.T) {
	client := &Client{}
	if got := client.CounterKey("orders"); got != "ck:counter:orders" {
		t.Fatalf("unexpected counter key %s", got)
	}
	if got := client.IdempotencyKey("scope", "id"); got != "ck:idempotency:scope:id" {
		t.Fatalf("unexpected idempotency key %s", got)
	}
}
