package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/TheDevXen/airgram/internal/storage"
)

func TestSaveCAS(t *testing.T) {
	store := New()
	ctx := context.Background()

	etag, err := store.Save(ctx, "alpha:mtp", []byte(`{"a":1}`), storage.SaveOptions{IfNotExists: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Save(ctx, "alpha:mtp", []byte(`{}`), storage.SaveOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on second create, got %v", err)
	}
	if _, err := store.Save(ctx, "alpha:mtp", []byte(`{}`), storage.SaveOptions{ExpectedETag: "wrong"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	next, err := store.Save(ctx, "alpha:mtp", []byte(`{"a":2}`), storage.SaveOptions{ExpectedETag: etag})
	if err != nil {
		t.Fatalf("cas update: %v", err)
	}
	if next == etag {
		t.Fatalf("expected new etag")
	}
	obj, err := store.Load(ctx, "alpha:mtp")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if obj.ETag != next || string(obj.Data) != `{"a":2}` {
		t.Fatalf("unexpected object %+v", obj)
	}
	obj.Data[0] = 'X'
	again, _ := store.Load(ctx, "alpha:mtp")
	if string(again.Data) != `{"a":2}` {
		t.Fatalf("load must return a copy")
	}
	if _, err := store.Save(ctx, "beta:mtp", []byte(`{}`), storage.SaveOptions{ExpectedETag: etag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch for missing key, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	store := New()
	ctx := context.Background()
	if err := store.Remove(ctx, "alpha:mtp"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.Save(ctx, "alpha:mtp", []byte(`{}`), storage.SaveOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Remove(ctx, "alpha:mtp"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Load(ctx, "alpha:mtp"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
}

func TestSubscribeSignalsPerKey(t *testing.T) {
	store := New()
	ctx := context.Background()
	sub, err := store.Subscribe(ctx, "alpha:mtp")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := store.Save(ctx, "beta:mtp", []byte(`{}`), storage.SaveOptions{}); err != nil {
		t.Fatalf("save other: %v", err)
	}
	select {
	case <-sub.Events():
		t.Fatalf("unexpected event for unrelated key")
	default:
	}
	if _, err := store.Save(ctx, "alpha:mtp", []byte(`{}`), storage.SaveOptions{}); err != nil {
		t.Fatalf("save: %v", err)
	}
	select {
	case <-sub.Events():
	default:
		t.Fatalf("expected event")
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-sub.Events(); ok {
		t.Fatalf("expected closed channel")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("store close: %v", err)
	}
}

func TestSubscriptionCloseDuringSave(t *testing.T) {
	store := New()
	ctx := context.Background()
	for i := 0; i < 2000; i++ {
		sub, err := store.Subscribe(ctx, "alpha:mtp")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := store.Save(ctx, "alpha:mtp", []byte(`{}`), storage.SaveOptions{}); err != nil {
				t.Errorf("save: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
		wg.Wait()
	}
	sub, err := store.Subscribe(ctx, "alpha:mtp")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("store close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("close after store close: %v", err)
	}
	if _, err := store.Save(ctx, "alpha:mtp", []byte(`{}`), storage.SaveOptions{}); err != nil {
		t.Fatalf("save after close: %v", err)
	}
}

func TestSubscribeDisabled(t *testing.T) {
	store := NewWithConfig(Config{DisableWatch: true})
	if _, err := store.Subscribe(context.Background(), "alpha:mtp"); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected not implemented, got %v", err)
	}
	if _, err := New().Subscribe(context.Background(), " "); err == nil {
		t.Fatalf("expected error for blank key")
	}
}
