package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/TheDevXen/airgram/internal/storage"
	"github.com/TheDevXen/airgram/internal/storage/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
	ch <- f.now
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	<-f.After(d)
}

type stubStore struct {
	getErrs  []error
	getCalls int
	hook     func(int)

	setErrs  []error
	setCalls int

	deleteCalls int
}

func (s *stubStore) Get(context.Context, string) (storage.Document, error) {
	s.getCalls++
	if s.hook != nil {
		s.hook(s.getCalls)
	}
	if idx := s.getCalls - 1; idx < len(s.getErrs) && s.getErrs[idx] != nil {
		return nil, s.getErrs[idx]
	}
	return storage.Document{"calls": s.getCalls}, nil
}

func (s *stubStore) GetField(ctx context.Context, docKey, _ string) (any, error) {
	doc, err := s.Get(ctx, docKey)
	if err != nil {
		return nil, err
	}
	return doc["calls"], nil
}

func (s *stubStore) Set(_ context.Context, _ string, partial storage.Document) (storage.Document, error) {
	s.setCalls++
	if idx := s.setCalls - 1; idx < len(s.setErrs) && s.setErrs[idx] != nil {
		return nil, s.setErrs[idx]
	}
	return partial, nil
}

func (s *stubStore) Delete(context.Context, string) error {
	s.deleteCalls++
	return nil
}

func (s *stubStore) Close() error { return nil }

func TestWrapReturnsNilOnNilInner(t *testing.T) {
	if retry.Wrap(nil, pslog.NoopLogger(), &fakeClock{}, retry.Config{}) != nil {
		t.Fatalf("expected nil store")
	}
}

func TestGetRetriesTransientErrors(t *testing.T) {
	transient := storage.NewTransientError(errors.New("boom"))
	inner := &stubStore{getErrs: []error{transient, transient}}
	clk := &fakeClock{}
	s := retry.Wrap(inner, pslog.NoopLogger(), clk, retry.Config{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, Multiplier: 3, MaxDelay: 20 * time.Millisecond})
	doc, err := s.Get(context.Background(), "c:mtp")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if doc["calls"] != 3 {
		t.Fatalf("expected third call to succeed, got %#v", doc)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(clk.sleeps) != len(want) {
		t.Fatalf("unexpected sleeps %v", clk.sleeps)
	}
	for i := range want {
		if clk.sleeps[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, clk.sleeps[i], want[i])
		}
	}
}

func TestGetStopsOnNonTransientError(t *testing.T) {
	permanent := errors.New("permanent")
	inner := &stubStore{getErrs: []error{permanent}}
	s := retry.Wrap(inner, nil, &fakeClock{}, retry.Config{MaxAttempts: 5})
	if _, err := s.Get(context.Background(), "c:mtp"); err != permanent {
		t.Fatalf("expected the original error, got %v", err)
	}
	if inner.getCalls != 1 {
		t.Fatalf("expected one call, got %d", inner.getCalls)
	}
}

func TestNotFoundIsNotRetried(t *testing.T) {
	inner := &stubStore{getErrs: []error{storage.ErrNotFound}}
	s := retry.Wrap(inner, nil, &fakeClock{}, retry.DefaultConfig())
	if _, err := s.GetField(context.Background(), "c:mtp", "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if inner.getCalls != 1 {
		t.Fatalf("expected one call, got %d", inner.getCalls)
	}
}

func TestSetGivesUpAfterMaxAttempts(t *testing.T) {
	transient := storage.NewTransientError(errors.New("flaky"))
	inner := &stubStore{setErrs: []error{transient, transient, transient}}
	s := retry.Wrap(inner, nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	_, err := s.Set(context.Background(), "c:mtp", storage.Document{"a": 1})
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if inner.setCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.setCalls)
	}
}

func TestGetRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	transient := storage.NewTransientError(errors.New("boom"))
	inner := &stubStore{
		getErrs: []error{transient, transient, transient},
		hook: func(call int) {
			if call == 1 {
				cancel()
			}
		},
	}
	s := retry.Wrap(inner, nil, &blockingClock{}, retry.Config{MaxAttempts: 3})
	if _, err := s.Get(ctx, "c:mtp"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if inner.getCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", inner.getCalls)
	}
}

type blockingClock struct{ fakeClock }

func (b *blockingClock) After(time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

func TestSubscribeWithoutFeed(t *testing.T) {
	s := retry.Wrap(&stubStore{}, nil, nil, retry.Config{})
	feed, ok := s.(storage.ChangeFeed)
	if !ok {
		t.Fatalf("retry store should expose Subscribe")
	}
	if _, err := feed.Subscribe(context.Background(), "c:mtp"); !errors.Is(err, storage.ErrNotImplemented) {
		t.Fatalf("expected not implemented, got %v", err)
	}
	if err := s.Delete(context.Background(), "c:mtp"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
