package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clevi/pricestore/pkg/config"
)

func TestMarkDispatchedDeduplicates(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	first, err := client.MarkDispatched(ctx, "lidl", "lidl_1", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !first {
		t.Fatalf("expected first dispatch to be recorded")
	}
	if mock.ttls["ps:dispatch:lidl:lidl_1"] != time.Hour {
		t.Fatalf("expected ttl to be forwarded, got %v", mock.ttls)
	}

	again, err := client.MarkDispatched(ctx, "lidl", "lidl_1", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again {
		t.Fatalf("expected duplicate dispatch to be rejected")
	}

	if err := client.ClearDispatched(ctx, "lidl", "lidl_1"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, err := client.Get(ctx, client.DispatchKey("lidl", "lidl_1")); err != redis.Nil {
		t.Fatalf("expected redis.Nil after clear, got %v", err)
	}
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	if got := client.LockKey("cron"); got != "ps:lock:cron" {
		t.Fatalf("unexpected lock key %s", got)
	}
	if got := client.DispatchKey("lidl", "lidl_1"); got != "ps:dispatch:lidl:lidl_1" {
		t.Fatalf("unexpected dispatch key %s", got)
	}
	if got := client.DispatchKey("", "x"); got != "ps:dispatch:x" {
		t.Fatalf("empty parts should be skipped, got %s", got)
	}
}

func TestUninitializedClient(t *testing.T) {
	client := &Client{}
	if err := client.Ping(context.Background()); err != errNotInitialized {
		t.Fatalf("expected not initialized, got %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	if _, err := optionsFromConfig(config.RedisConfig{}); err == nil {
		t.Fatalf("expected error without url or address")
	}

	opts, err := optionsFromConfig(config.RedisConfig{Address: "localhost:6379", DB: 2, PoolSize: 4, DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Addr != "localhost:6379" || opts.DB != 2 || opts.PoolSize != 4 || opts.DialTimeout != time.Second {
		t.Fatalf("unexpected options %+v", opts)
	}

	opts, err = optionsFromConfig(config.RedisConfig{URL: "redis://:secret@cache:6380/3", DB: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Addr != "cache:6380" || opts.Password != "secret" || opts.DB != 3 {
		t.Fatalf("url settings should win, got %+v", opts)
	}
}

type mockCmdable struct {
	data map[string]string
	ttls map[string]time.Duration
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{
		data: make(map[string]string),
		ttls: make(map[string]time.Duration),
	}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockCmdable) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	m.ttls[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(m.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}
