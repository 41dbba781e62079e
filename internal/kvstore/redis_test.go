package kvstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr(), Prefix: "test:", OpTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestNewRedis_Unreachable(t *testing.T) {
	_, err := NewRedis(context.Background(), RedisConfig{Addr: "127.0.0.1:1", OpTimeout: 50 * time.Millisecond})
	if err == nil {
		t.Fatal("expected connect error")
	}
}

func TestRedis_GetSetPrefix(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	if _, err := r.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) err = %v, want ErrNotFound", err)
	}
	if err := r.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := r.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if !mr.Exists("test:k") {
		t.Fatal("key should be stored with prefix")
	}
	if ttl := mr.TTL("test:k"); ttl != time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}
}

func TestRedis_SetNX(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	ok, err := r.SetNX(ctx, "lock", []byte("a"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX = %v, %v", ok, err)
	}
	ok, err = r.SetNX(ctx, "lock", []byte("b"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX = %v, %v", ok, err)
	}
	got, _ := r.Get(ctx, "lock")
	if string(got) != "a" {
		t.Fatalf("value = %q, SetNX overwrote", got)
	}
}

func TestRedis_IncrKeepsWindow(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	n, left, err := r.Incr(ctx, "rl", time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("Incr = %d, %v", n, err)
	}
	if left <= 0 || left > time.Minute {
		t.Fatalf("ttl = %v", left)
	}

	mr.FastForward(20 * time.Second)
	n, left, err = r.Incr(ctx, "rl", time.Minute)
	if err != nil || n != 2 {
		t.Fatalf("Incr = %d, %v", n, err)
	}
	if left > 40*time.Second {
		t.Fatalf("second increment reset the window: ttl = %v", left)
	}

	count, _, err := r.Count(ctx, "rl")
	if err != nil || count != 2 {
		t.Fatalf("Count = %d, %v", count, err)
	}

	mr.FastForward(41 * time.Second)
	count, _, err = r.Count(ctx, "rl")
	if err != nil || count != 0 {
		t.Fatalf("Count after expiry = %d, %v", count, err)
	}
}

func TestRedis_CountMissing(t *testing.T) {
	r, _ := newTestRedis(t)
	n, left, err := r.Count(context.Background(), "nothing")
	if err != nil || n != 0 || left != 0 {
		t.Fatalf("Count = %d, %v, %v", n, left, err)
	}
}

func TestRedis_Delete(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()
	_ = r.Set(ctx, "k", []byte("v"), 0)
	if err := r.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if mr.Exists("test:k") {
		t.Fatal("key still exists")
	}
}

func TestRedis_ErrorsWhenServerDown(t *testing.T) {
	r, mr := newTestRedis(t)
	mr.Close()

	if _, _, err := r.Incr(context.Background(), "rl", time.Minute); err == nil {
		t.Fatal("expected error from closed server")
	}
	if err := r.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error")
	}
}
