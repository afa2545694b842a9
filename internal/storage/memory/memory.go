package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/TheDevXen/airgram/internal/storage"
	"github.com/TheDevXen/airgram/internal/uuidv7"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// DisableWatch turns off change notifications.
	DisableWatch bool
}

// Store implements storage.Blob in-memory; intended for tests and local dev.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*objectEntry

	watchEnabled bool
	watchers     map[string]map[*subscription]struct{}
	watchMu      sync.Mutex
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
}

// New returns a ready to use in-memory blob store with change notifications enabled.
func New() *Store {
	return NewWithConfig(Config{})
}

// NewWithConfig returns a ready to use in-memory blob store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	store := &Store{
		objs: make(map[string]*objectEntry),
	}
	if !cfg.DisableWatch {
		store.watchEnabled = true
		store.watchers = make(map[string]map[*subscription]struct{})
	}
	return store
}

// Backend implements storage.Describer.
func (s *Store) Backend() string { return "memory" }

// Close releases every open subscription.
func (s *Store) Close() error {
	if !s.watchEnabled {
		return nil
	}
	s.watchMu.Lock()
	var subs []*subscription
	for _, watchers := range s.watchers {
		for sub := range watchers {
			subs = append(subs, sub)
		}
	}
	s.watchers = make(map[string]map[*subscription]struct{})
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
	return nil
}

// Load returns a copy of the blob stored under key.
func (s *Store) Load(_ context.Context, key string) (storage.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return storage.Object{}, storage.ErrNotFound
	}
	return storage.Object{
		Data:        append([]byte(nil), entry.payload...),
		ETag:        entry.etag,
		ContentType: entry.contentType,
	}, nil
}

// Save stores data under key honouring the conditional options.
func (s *Store) Save(_ context.Context, key string, data []byte, opts storage.SaveOptions) (string, error) {
	s.mu.Lock()
	entry, exists := s.objs[key]
	switch {
	case opts.IfNotExists && exists:
		s.mu.Unlock()
		return "", storage.ErrCASMismatch
	case opts.ExpectedETag != "":
		if !exists || entry.etag != opts.ExpectedETag {
			s.mu.Unlock()
			return "", storage.ErrCASMismatch
		}
	}
	etag := uuidv7.NewString()
	s.objs[key] = &objectEntry{
		payload:     append([]byte(nil), data...),
		etag:        etag,
		contentType: opts.ContentType,
	}
	s.mu.Unlock()

	s.notify(key)
	return etag, nil
}

// Remove deletes the blob stored under key.
func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	if _, exists := s.objs[key]; !exists {
		s.mu.Unlock()
		return storage.ErrNotFound
	}
	delete(s.objs, key)
	s.mu.Unlock()

	s.notify(key)
	return nil
}

// Subscribe implements storage.ChangeFeed for the in-memory backend.
func (s *Store) Subscribe(_ context.Context, key string) (storage.Subscription, error) {
	if !s.watchEnabled {
		return nil, storage.ErrNotImplemented
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("memory: document key required")
	}
	sub := &subscription{
		store:  s,
		key:    key,
		events: make(chan struct{}, 1),
	}
	s.watchMu.Lock()
	if s.watchers == nil {
		s.watchers = make(map[string]map[*subscription]struct{})
	}
	watchers := s.watchers[key]
	if watchers == nil {
		watchers = make(map[*subscription]struct{})
		s.watchers[key] = watchers
	}
	watchers[sub] = struct{}{}
	s.watchMu.Unlock()
	return sub, nil
}

func (s *Store) notify(key string) {
	if !s.watchEnabled {
		return
	}
	s.watchMu.Lock()
	var subs []*subscription
	for sub := range s.watchers[key] {
		subs = append(subs, sub)
	}
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.signal()
	}
}

func (s *Store) removeSubscription(key string, sub *subscription) {
	s.watchMu.Lock()
	if watchers, ok := s.watchers[key]; ok {
		delete(watchers, sub)
		if len(watchers) == 0 {
			delete(s.watchers, key)
		}
	}
	s.watchMu.Unlock()
}

type subscription struct {
	store  *Store
	key    string
	events chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *subscription) Events() <-chan struct{} {
	return s.events
}

func (s *subscription) Close() error {
	if s.close() {
		s.store.removeSubscription(s.key, s)
	}
	return nil
}

// signal and close share mu so events is never sent on after it is closed.
func (s *subscription) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- struct{}{}:
	default:
	}
}

func (s *subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.events)
	return true
}
