package storage

import (
	"context"
	"errors"
	"fmt"
)

// Object is a raw document blob together with its entity tag.
type Object struct {
	Data        []byte
	ETag        string
	ContentType string
}

// SaveOptions carries the conditional write constraints for Blob.Save.
type SaveOptions struct {
	// ExpectedETag makes the write succeed only when the stored ETag matches.
	ExpectedETag string
	// IfNotExists makes the write succeed only when no blob exists yet.
	IfNotExists bool
	ContentType string
}

// Blob is the minimal object-store contract used by DocumentStore. Backends
// that can only read and write whole values implement Blob and get merge
// semantics from DocumentStore.
type Blob interface {
	// Load returns the stored bytes or ErrNotFound.
	Load(ctx context.Context, key string) (Object, error)
	// Save writes data and returns the new ETag. Conditional failures return
	// ErrCASMismatch.
	Save(ctx context.Context, key string, data []byte, opts SaveOptions) (string, error)
	// Remove deletes the blob. Missing blobs return ErrNotFound.
	Remove(ctx context.Context, key string) error
	Close() error
}

// DocumentOptions configures a DocumentStore.
type DocumentOptions struct {
	Crypto *Crypto
	// MaxCASAttempts bounds the read-merge-write loop in Set. Zero uses
	// DefaultMaxCASAttempts.
	MaxCASAttempts int
}

// DefaultMaxCASAttempts bounds optimistic merge retries.
const DefaultMaxCASAttempts = 16

// DocumentStore implements Store on top of a Blob using optimistic
// read-merge-write cycles guarded by ETags.
type DocumentStore struct {
	blob        Blob
	crypto      *Crypto
	casAttempts int
}

// NewDocumentStore wraps blob with document semantics.
func NewDocumentStore(blob Blob, opts DocumentOptions) *DocumentStore {
	attempts := opts.MaxCASAttempts
	if attempts <= 0 {
		attempts = DefaultMaxCASAttempts
	}
	return &DocumentStore{blob: blob, crypto: opts.Crypto, casAttempts: attempts}
}

// Blob returns the underlying blob store.
func (s *DocumentStore) Blob() Blob {
	return s.blob
}

// Backend reports the wrapped blob backend name.
func (s *DocumentStore) Backend() string {
	return BackendName(s.blob)
}

// Get loads and decodes the document.
func (s *DocumentStore) Get(ctx context.Context, docKey string) (Document, error) {
	doc, _, err := s.load(ctx, docKey)
	return doc, err
}

// GetField loads the document and resolves path inside it.
func (s *DocumentStore) GetField(ctx context.Context, docKey, path string) (any, error) {
	parts, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	doc, _, err := s.load(ctx, docKey)
	if err != nil {
		return nil, err
	}
	value, ok := LookupSegments(doc, parts)
	if !ok {
		return nil, ErrNotFound
	}
	return value, nil
}

// Set merges partial into the stored document.
func (s *DocumentStore) Set(ctx context.Context, docKey string, partial Document) (Document, error) {
	if _, err := TopLevelKeys(partial); err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt < s.casAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, etag, err := s.load(ctx, docKey)
		opts := SaveOptions{ContentType: s.contentType()}
		switch {
		case errors.Is(err, ErrNotFound):
			doc = Document{}
			opts.IfNotExists = true
		case err != nil:
			return nil, err
		default:
			opts.ExpectedETag = etag
		}
		if err := Merge(doc, partial); err != nil {
			return nil, err
		}
		payload, err := EncodeDocument(doc)
		if err != nil {
			return nil, err
		}
		payload, err = s.crypto.Seal(docKey, payload)
		if err != nil {
			return nil, err
		}
		if _, err := s.blob.Save(ctx, docKey, payload, opts); err != nil {
			if errors.Is(err, ErrCASMismatch) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return partial, nil
	}
	return nil, fmt.Errorf("storage: set %q: %w", docKey, lastErr)
}

// Delete removes the document. Missing documents are ignored.
func (s *DocumentStore) Delete(ctx context.Context, docKey string) error {
	if err := s.blob.Remove(ctx, docKey); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Subscribe forwards to the blob when it provides a change feed.
func (s *DocumentStore) Subscribe(ctx context.Context, docKey string) (Subscription, error) {
	feed, ok := s.blob.(ChangeFeed)
	if !ok {
		return nil, ErrNotImplemented
	}
	return feed.Subscribe(ctx, docKey)
}

// Close closes the underlying blob.
func (s *DocumentStore) Close() error {
	return s.blob.Close()
}

func (s *DocumentStore) load(ctx context.Context, docKey string) (Document, string, error) {
	obj, err := s.blob.Load(ctx, docKey)
	if err != nil {
		return nil, "", err
	}
	data, err := s.crypto.Open(docKey, obj.Data)
	if err != nil {
		return nil, "", err
	}
	doc, err := DecodeDocument(data)
	if err != nil {
		return nil, "", fmt.Errorf("%w (key %q)", err, docKey)
	}
	return doc, obj.ETag, nil
}

func (s *DocumentStore) contentType() string {
	if s.crypto.Enabled() {
		return ContentTypeJSONEncrypted
	}
	return ContentTypeJSON
}
