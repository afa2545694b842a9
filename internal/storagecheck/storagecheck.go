// Package storagecheck probes a document store with a throwaway document and
// reports which operations behave as the state managers expect.
package storagecheck

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheDevXen/airgram/internal/storage"
	"github.com/TheDevXen/airgram/internal/uuidv7"
)

// DefaultFeedTimeout bounds the wait for a change notification.
const DefaultFeedTimeout = 5 * time.Second

// Result summarises a verification run.
type Result struct {
	Backend string
	DocKey  string
	Checks  []CheckResult
}

// Passed reports whether every non-skipped check succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of one check. Skipped checks carry the reason in
// Note and never fail the run.
type CheckResult struct {
	Name    string
	Err     error
	Skipped bool
	Note    string
}

// Options tunes Verify.
type Options struct {
	// Namespace prefixes the probe document key, usually the client name.
	Namespace   string
	FeedTimeout time.Duration
}

// Verify writes, merges, reads, watches and deletes a probe document. The
// probe is removed even when a check fails.
func Verify(ctx context.Context, store storage.Store, opts Options) Result {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "airgram"
	}
	if opts.FeedTimeout <= 0 {
		opts.FeedTimeout = DefaultFeedTimeout
	}
	probe := uuidv7.NewString()
	docKey := namespace + ":verify-" + probe
	result := Result{Backend: storage.BackendName(store), DocKey: docKey}

	run := func(name string, fn func(context.Context) error) bool {
		err := fn(ctx)
		result.Checks = append(result.Checks, CheckResult{Name: name, Err: err})
		return err == nil
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = store.Delete(cleanupCtx, docKey)
	}()

	if !run("SetDocument", func(ctx context.Context) error {
		_, err := store.Set(ctx, docKey, storage.Document{"probe": probe, "dc2.counter": 1})
		return err
	}) {
		return result
	}
	run("GetDocument", func(ctx context.Context) error {
		doc, err := store.Get(ctx, docKey)
		if err != nil {
			return err
		}
		if doc["probe"] != probe {
			return fmt.Errorf("probe mismatch: got %v", doc["probe"])
		}
		return nil
	})
	run("MergeDocument", func(ctx context.Context) error {
		if _, err := store.Set(ctx, docKey, storage.Document{"dc2.extra": true}); err != nil {
			return err
		}
		value, err := store.GetField(ctx, docKey, "dc2.counter")
		if err != nil {
			return fmt.Errorf("read merged sibling: %w", err)
		}
		if !isOne(value) {
			return fmt.Errorf("sibling field lost on merge: got %v", value)
		}
		return nil
	})
	run("GetMissingField", func(ctx context.Context) error {
		_, err := store.GetField(ctx, docKey, "dc9.authKey")
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("expected not found, got %v", err)
		}
		return nil
	})
	result.Checks = append(result.Checks, checkFeed(ctx, store, docKey, opts.FeedTimeout))
	run("DeleteDocument", func(ctx context.Context) error {
		if err := store.Delete(ctx, docKey); err != nil {
			return err
		}
		if _, err := store.Get(ctx, docKey); !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("document still readable after delete: %v", err)
		}
		if err := store.Delete(ctx, docKey); err != nil {
			return fmt.Errorf("deleting an absent document: %w", err)
		}
		return nil
	})
	return result
}

func checkFeed(ctx context.Context, store storage.Store, docKey string, timeout time.Duration) CheckResult {
	const name = "ChangeFeed"
	feed, ok := store.(storage.ChangeFeed)
	if !ok {
		return CheckResult{Name: name, Skipped: true, Note: "store has no change feed; watch will poll"}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sub, err := feed.Subscribe(ctx, docKey)
	if errors.Is(err, storage.ErrNotImplemented) {
		return CheckResult{Name: name, Skipped: true, Note: "change feed disabled; watch will poll"}
	}
	if err != nil {
		return CheckResult{Name: name, Err: err}
	}
	defer sub.Close()
	if _, err := store.Set(ctx, docKey, storage.Document{"touched": time.Now().UnixNano()}); err != nil {
		return CheckResult{Name: name, Err: fmt.Errorf("write: %w", err)}
	}
	select {
	case <-sub.Events():
		return CheckResult{Name: name}
	case <-ctx.Done():
		return CheckResult{Name: name, Err: fmt.Errorf("no change notification within %s", timeout)}
	}
}

func isOne(v any) bool {
	switch n := v.(type) {
	case int:
		return n == 1
	case int64:
		return n == 1
	case float64:
		return n == 1
	default:
		return false
	}
}
