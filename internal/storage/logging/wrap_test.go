package logging_test

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/pslog"

	"github.com/TheDevXen/airgram/internal/correlation"
	"github.com/TheDevXen/airgram/internal/storage"
	"github.com/TheDevXen/airgram/internal/storage/logging"
	"github.com/TheDevXen/airgram/internal/storage/memory"
	"github.com/TheDevXen/airgram/internal/testlog"
)

func TestWrapLogsOperations(t *testing.T) {
	logger, rec := testlog.NewRecorder(t, pslog.TraceLevel)
	inner := storage.NewDocumentStore(memory.New(), storage.DocumentOptions{})
	s := logging.Wrap(inner, logger, "storage")
	ctx := correlation.Set(context.Background(), "cid-42")

	if _, err := s.Set(ctx, "c:mtp", storage.Document{"a": 1}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := s.GetField(ctx, "c:mtp", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.Delete(ctx, "c:mtp"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	entry, ok := rec.Find("storage.set.success")
	if !ok {
		t.Fatalf("missing set success entry\n%s", rec.Summary())
	}
	if testlog.StringField(entry, "cid") != "cid-42" || testlog.StringField(entry, "key") != "c:mtp" {
		t.Fatalf("unexpected fields %v", entry.Fields)
	}
	if rec.Count("storage.get_field.not_found") != 1 {
		t.Fatalf("expected not_found entry\n%s", rec.Summary())
	}
	if rec.Count("storage.delete.success") != 1 {
		t.Fatalf("expected delete entry\n%s", rec.Summary())
	}
	if s.(storage.Describer).Backend() != "memory" {
		t.Fatalf("unexpected backend")
	}
}

type failingStore struct{ storage.Store }

func (failingStore) Get(context.Context, string) (storage.Document, error) {
	return nil, errors.New("backend down")
}

func TestWrapLogsErrorsAndReturnsOriginal(t *testing.T) {
	logger, rec := testlog.NewRecorder(t, pslog.TraceLevel)
	s := logging.Wrap(failingStore{}, logger, "storage")
	_, err := s.Get(context.Background(), "c:mtp")
	if err == nil || err.Error() != "backend down" {
		t.Fatalf("expected original error, got %v", err)
	}
	entry, ok := rec.Find("storage.get.error")
	if !ok {
		t.Fatalf("missing error entry\n%s", rec.Summary())
	}
	if testlog.StringField(entry, "error") != "backend down" {
		t.Fatalf("unexpected fields %v", entry.Fields)
	}
}

func TestWrapSubscribeForwards(t *testing.T) {
	s := logging.Wrap(storage.NewDocumentStore(memory.New(), storage.DocumentOptions{}), nil, "storage")
	feed, ok := s.(storage.ChangeFeed)
	if !ok {
		t.Fatalf("expected change feed")
	}
	sub, err := feed.Subscribe(context.Background(), "c:mtp")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = sub.Close()
	if logging.Wrap(nil, nil, "") != nil {
		t.Fatalf("expected nil for nil inner")
	}
}
