package storage

import (
	"context"
	"errors"
)

// Content type constants used for document blobs across backends.
const (
	ContentTypeJSON          = "application/json"
	ContentTypeJSONEncrypted = "application/vnd.airgram+json-encrypted"
)

// ErrNotFound indicates the requested document or field is missing.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrCASMismatch    = errors.New("storage: cas mismatch")
	ErrNotImplemented = errors.New("storage: not implemented")
)

// Document is a JSON-compatible state document. Nested documents are
// represented as map[string]any values.
type Document map[string]any

// Store is the document store consumed by the session and pending state
// managers. Keys in partial documents and field paths use '.' to address
// nested fields.
type Store interface {
	// Get returns the whole document or ErrNotFound.
	Get(ctx context.Context, docKey string) (Document, error)
	// GetField returns the value at path or ErrNotFound when either the
	// document or the field is absent.
	GetField(ctx context.Context, docKey, path string) (any, error)
	// Set merges partial into the document, creating it when absent, and
	// returns the partial that was written.
	Set(ctx context.Context, docKey string, partial Document) (Document, error)
	// Delete removes the document. Deleting an absent document is not an error.
	Delete(ctx context.Context, docKey string) error
	Close() error
}

// Subscription receives notifications when a watched document changes.
type Subscription interface {
	Events() <-chan struct{}
	Close() error
}

// ChangeFeed indicates the store can emit change notifications per document.
type ChangeFeed interface {
	Subscribe(ctx context.Context, docKey string) (Subscription, error)
}

// Describer reports a short backend identifier used in logs and metrics.
type Describer interface {
	Backend() string
}

// BackendName returns the backend identifier for s, or "unknown".
func BackendName(s any) string {
	if d, ok := s.(Describer); ok {
		return d.Backend()
	}
	return "unknown"
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
