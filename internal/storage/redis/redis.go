// Package redis stores each state document as a Redis hash with one field per
// top-level key. Single-field reads touch only that hash field, and merges run
// under WATCH so concurrent writers retry instead of overwriting each other.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"pkt.systems/pslog"

	"github.com/TheDevXen/airgram/internal/storage"
)

const (
	defaultPrefix      = "airgram"
	defaultMaxAttempts = 16
)

// Config controls the Redis backend.
type Config struct {
	// URL is one or more comma separated redis:// or rediss:// URLs. Several
	// addresses select a cluster client.
	URL    string
	Prefix string
	// MaxAttempts bounds optimistic transaction retries in Set.
	MaxAttempts int
	Logger      pslog.Logger
}

// Store implements storage.Store and storage.ChangeFeed on Redis.
type Store struct {
	client      redis.UniversalClient
	prefix      string
	maxAttempts int
	logger      pslog.Logger
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := buildUniversalOptions(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	if len(opts.Addrs) > 1 {
		opts.DB = 0
	}
	client := redis.NewUniversalClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, cfg Config) *Store {
	prefix := strings.TrimSuffix(cfg.Prefix, ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Store{client: client, prefix: prefix, maxAttempts: attempts, logger: logger}
}

func buildUniversalOptions(raw string) (*redis.UniversalOptions, error) {
	opts := &redis.UniversalOptions{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.Contains(part, "://") {
			opts.Addrs = append(opts.Addrs, part)
			continue
		}
		parsed, err := redis.ParseURL(part)
		if err != nil {
			return nil, err
		}
		opts.Addrs = append(opts.Addrs, parsed.Addr)
		if opts.Username == "" {
			opts.Username = parsed.Username
		}
		if opts.Password == "" {
			opts.Password = parsed.Password
		}
		if opts.DB == 0 {
			opts.DB = parsed.DB
		}
		if opts.TLSConfig == nil {
			opts.TLSConfig = parsed.TLSConfig
		}
		if opts.DialTimeout == 0 {
			opts.DialTimeout = parsed.DialTimeout
		}
		if opts.ReadTimeout == 0 {
			opts.ReadTimeout = parsed.ReadTimeout
		}
		if opts.WriteTimeout == 0 {
			opts.WriteTimeout = parsed.WriteTimeout
		}
	}
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("no redis addresses provided")
	}
	return opts, nil
}

// Backend implements storage.Describer.
func (s *Store) Backend() string { return "redis" }

func (s *Store) hashKey(docKey string) string {
	return s.prefix + ":doc:" + docKey
}

func (s *Store) channel(docKey string) string {
	return s.prefix + ":changed:" + docKey
}

// Get returns every field of the document hash.
func (s *Store) Get(ctx context.Context, docKey string) (storage.Document, error) {
	fields, err := s.client.HGetAll(ctx, s.hashKey(docKey)).Result()
	if err != nil {
		return nil, wrapError(err, "redis: hgetall")
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}
	doc := make(storage.Document, len(fields))
	for field, raw := range fields {
		value, err := storage.DecodeValue([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("redis: field %q of %q: %w", field, docKey, err)
		}
		doc[field] = value
	}
	return doc, nil
}

// GetField reads only the hash field holding the first path segment.
func (s *Store) GetField(ctx context.Context, docKey, path string) (any, error) {
	parts, err := storage.SplitPath(path)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.HGet(ctx, s.hashKey(docKey), parts[0]).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapError(err, "redis: hget")
	}
	value, err := storage.DecodeValue([]byte(raw))
	if err != nil {
		return nil, err
	}
	found, ok := storage.LookupSegments(map[string]any{parts[0]: value}, parts)
	if !ok {
		return nil, storage.ErrNotFound
	}
	return found, nil
}

// Set merges partial into the touched top-level fields under WATCH and
// publishes a change notification.
func (s *Store) Set(ctx context.Context, docKey string, partial storage.Document) (storage.Document, error) {
	tops, err := storage.TopLevelKeys(partial)
	if err != nil {
		return nil, err
	}
	if len(tops) == 0 {
		return partial, nil
	}
	key := s.hashKey(docKey)
	txf := func(tx *redis.Tx) error {
		current, err := tx.HMGet(ctx, key, tops...).Result()
		if err != nil {
			return err
		}
		doc := make(storage.Document, len(tops))
		for i, raw := range current {
			str, ok := raw.(string)
			if !ok {
				continue
			}
			value, err := storage.DecodeValue([]byte(str))
			if err != nil {
				return fmt.Errorf("redis: field %q of %q: %w", tops[i], docKey, err)
			}
			doc[tops[i]] = value
		}
		if err := storage.Merge(doc, partial); err != nil {
			return err
		}
		set := make(map[string]any, len(tops))
		var del []string
		for _, top := range tops {
			value, ok := doc[top]
			if !ok {
				del = append(del, top)
				continue
			}
			encoded, err := storage.EncodeValue(value)
			if err != nil {
				return err
			}
			set[top] = encoded
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(set) > 0 {
				pipe.HSet(ctx, key, set)
			}
			if len(del) > 0 {
				pipe.HDel(ctx, key, del...)
			}
			return nil
		})
		return err
	}
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err = s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Trace("redis.set.retry", "key", docKey, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, wrapError(err, "redis: set")
		}
		s.publish(ctx, docKey)
		return partial, nil
	}
	return nil, fmt.Errorf("redis: set %q: %w", docKey, storage.ErrCASMismatch)
}

// Delete removes the document hash.
func (s *Store) Delete(ctx context.Context, docKey string) error {
	if err := s.client.Del(ctx, s.hashKey(docKey)).Err(); err != nil {
		return wrapError(err, "redis: del")
	}
	s.publish(ctx, docKey)
	return nil
}

func (s *Store) publish(ctx context.Context, docKey string) {
	if err := s.client.Publish(ctx, s.channel(docKey), "1").Err(); err != nil {
		s.logger.Warn("redis.publish.failed", "key", docKey, "error", err)
	}
}

// Subscribe listens on the document's change channel.
func (s *Store) Subscribe(ctx context.Context, docKey string) (storage.Subscription, error) {
	ps := s.client.Subscribe(ctx, s.channel(docKey))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, wrapError(err, "redis: subscribe")
	}
	sub := &subscription{ps: ps, events: make(chan struct{}, 1), done: make(chan struct{})}
	go sub.forward()
	return sub, nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

type subscription struct {
	ps     *redis.PubSub
	events chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) forward() {
	defer close(s.events)
	msgs := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case s.events <- struct{}{}:
			default:
			}
		}
	}
}

func (s *subscription) Events() <-chan struct{} { return s.events }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isTransient(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.HasPrefix(msg, "LOADING") || strings.HasPrefix(msg, "TRYAGAIN") || strings.HasPrefix(msg, "CLUSTERDOWN")
}
