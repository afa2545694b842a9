// Package pending stores update-sequence bookkeeping per client namespace.
// Reads are authoritative and fail loudly; writes are best-effort.
package pending

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"github.com/TheDevXen/airgram/internal/storage"
	"github.com/TheDevXen/airgram/internal/svcfields"
)

// Document is a JSON-compatible state document.
type Document = storage.Document

// Store is the document store pending state persists into.
type Store = storage.Store

// DefaultStoreKey is the document suffix for pending update state.
const DefaultStoreKey = "updates"

// State is the storage capability shared by pending state documents.
type State interface {
	Get(ctx context.Context) (Document, error)
	GetKey(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, partial Document)
	ResolveKey() string
}

// Config configures Updates.
type Config struct {
	ClientName string
	Store      Store
	Logger     pslog.Logger
	StoreKey   string
}

// Updates is the pending update-sequence document of one client.
type Updates struct {
	docKey string
	store  Store
	logger pslog.Logger
}

var _ State = (*Updates)(nil)

// New returns Updates for cfg.
func New(cfg Config) (*Updates, error) {
	if cfg.ClientName == "" {
		return nil, fmt.Errorf("pending: client name required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("pending: store required")
	}
	if cfg.StoreKey == "" {
		cfg.StoreKey = DefaultStoreKey
	}
	return &Updates{
		docKey: cfg.ClientName + ":" + cfg.StoreKey,
		store:  cfg.Store,
		logger: svcfields.WithSubsystem(cfg.Logger, svcfields.SubsystemPending),
	}, nil
}

// ResolveKey returns "<clientName>:<storeKey>".
func (u *Updates) ResolveKey() string {
	return u.docKey
}

// Get returns the whole document. A missing document reads as empty.
func (u *Updates) Get(ctx context.Context) (Document, error) {
	return u.load(ctx, "")
}

// GetKey returns the top-level value stored under key, or nil. An empty key
// returns the whole document.
func (u *Updates) GetKey(ctx context.Context, key string) (any, error) {
	doc, err := u.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return doc, nil
	}
	return doc[key], nil
}

// Set merge-writes partial. Failures are logged and dropped; the caller's
// in-memory counters stay authoritative until the next successful write.
func (u *Updates) Set(ctx context.Context, partial Document) {
	if _, err := u.store.Set(ctx, u.docKey, partial); err != nil {
		u.logger.Error("pending.set.failed", "key", u.docKey, "error", err)
	}
}

func (u *Updates) load(ctx context.Context, field string) (Document, error) {
	doc, err := u.store.Get(ctx, u.docKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return Document{}, nil
	case err != nil:
		u.logger.Error("pending.get.failed", "key", u.docKey, "field", field, "error", err)
		return nil, err
	case doc == nil:
		return Document{}, nil
	}
	return doc, nil
}
