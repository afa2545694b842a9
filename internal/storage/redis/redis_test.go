package redis

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/xid"

	"github.com/TheDevXen/airgram/internal/storage"
)

func TestBuildUniversalOptions(t *testing.T) {
	opts, err := buildUniversalOptions("redis://user:pw@localhost:6379/3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(opts.Addrs) != 1 || opts.Addrs[0] != "localhost:6379" || opts.DB != 3 || opts.Username != "user" || opts.Password != "pw" {
		t.Fatalf("unexpected options %+v", opts)
	}
	opts, err = buildUniversalOptions("rediss://a:6380, b:6381")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(opts.Addrs) != 2 || opts.TLSConfig == nil {
		t.Fatalf("expected two addrs with tls, got %+v", opts)
	}
	if _, err := buildUniversalOptions(" , "); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestKeyLayout(t *testing.T) {
	s := NewWithClient(nil, Config{Prefix: "app:"})
	if got := s.hashKey("alice:mtp"); got != "app:doc:alice:mtp" {
		t.Fatalf("unexpected hash key %q", got)
	}
	if got := s.channel("alice:mtp"); got != "app:changed:alice:mtp" {
		t.Fatalf("unexpected channel %q", got)
	}
	if NewWithClient(nil, Config{}).prefix != defaultPrefix {
		t.Fatalf("expected default prefix")
	}
}

func TestIsTransient(t *testing.T) {
	if !isTransient(context.DeadlineExceeded) {
		t.Fatalf("deadline must be transient")
	}
	if !isTransient(errors.New("LOADING Redis is loading the dataset in memory")) {
		t.Fatalf("LOADING must be transient")
	}
	if isTransient(errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")) {
		t.Fatalf("WRONGTYPE must not be transient")
	}
}

func newLiveStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("AIRGRAM_TEST_REDIS_URL")
	if url == "" {
		t.Skip("AIRGRAM_TEST_REDIS_URL not set")
	}
	store, err := New(context.Background(), Config{URL: url, Prefix: "airgram-test-" + xid.New().String()})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisMergeAndPartialRead(t *testing.T) {
	store := newLiveStore(t)
	ctx := context.Background()
	key := "erin:mtp"
	t.Cleanup(func() { _ = store.Delete(context.Background(), key) })

	if _, err := store.Get(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Set(ctx, key, storage.Document{"dc2.authKey": "k", "currentDcId": 2}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := store.Set(ctx, key, storage.Document{"dc2.serverSalt": "s"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := store.GetField(ctx, key, "dc2.authKey")
	if err != nil || v != "k" {
		t.Fatalf("expected k, got %v %v", v, err)
	}
	v, err = store.GetField(ctx, key, "currentDcId")
	if err != nil || v != float64(2) {
		t.Fatalf("expected 2, got %v %v", v, err)
	}
	if _, err := store.Set(ctx, key, storage.Document{"currentDcId": nil}); err != nil {
		t.Fatalf("set nil: %v", err)
	}
	if _, err := store.GetField(ctx, key, "currentDcId"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected deleted field, got %v", err)
	}
	doc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	dc2, _ := doc["dc2"].(map[string]any)
	if dc2["serverSalt"] != "s" || dc2["authKey"] != "k" {
		t.Fatalf("unexpected document %#v", doc)
	}
}

func TestRedisChangeFeed(t *testing.T) {
	store := newLiveStore(t)
	ctx := context.Background()
	key := "frank:updates"
	t.Cleanup(func() { _ = store.Delete(context.Background(), key) })

	sub, err := store.Subscribe(ctx, key)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if _, err := store.Set(ctx, key, storage.Document{"pts": 1}); err != nil {
		t.Fatalf("set: %v", err)
	}
	select {
	case <-sub.Events():
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for change event")
	}
}
