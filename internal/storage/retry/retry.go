package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/TheDevXen/airgram/internal/clock"
	"github.com/TheDevXen/airgram/internal/storage"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultConfig returns the retry settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 4,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
	}
}

// Wrap returns a store that retries transient errors according to cfg.
func Wrap(inner storage.Store, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		clock:  clock.OrReal(clk),
		cfg:    cfg,
	}
}

type store struct {
	inner  storage.Store
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (s *store) Get(ctx context.Context, docKey string) (storage.Document, error) {
	var doc storage.Document
	err := s.withRetry(ctx, "get", docKey, func(ctx context.Context) error {
		var err error
		doc, err = s.inner.Get(ctx, docKey)
		return err
	})
	return doc, err
}

func (s *store) GetField(ctx context.Context, docKey, path string) (any, error) {
	var value any
	err := s.withRetry(ctx, "get_field", docKey, func(ctx context.Context) error {
		var err error
		value, err = s.inner.GetField(ctx, docKey, path)
		return err
	})
	return value, err
}

func (s *store) Set(ctx context.Context, docKey string, partial storage.Document) (storage.Document, error) {
	var written storage.Document
	err := s.withRetry(ctx, "set", docKey, func(ctx context.Context) error {
		var err error
		written, err = s.inner.Set(ctx, docKey, partial)
		return err
	})
	return written, err
}

func (s *store) Delete(ctx context.Context, docKey string) error {
	return s.withRetry(ctx, "delete", docKey, func(ctx context.Context) error {
		return s.inner.Delete(ctx, docKey)
	})
}

func (s *store) Subscribe(ctx context.Context, docKey string) (storage.Subscription, error) {
	if feed, ok := s.inner.(storage.ChangeFeed); ok {
		return feed.Subscribe(ctx, docKey)
	}
	return nil, storage.ErrNotImplemented
}

func (s *store) Backend() string {
	return storage.BackendName(s.inner)
}

func (s *store) Close() error {
	return s.inner.Close()
}

func (s *store) withRetry(ctx context.Context, op, docKey string, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	delay := s.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		s.logger.Warn("storage.transient_error",
			"operation", op,
			"key", docKey,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
			next := time.Duration(float64(delay) * s.cfg.Multiplier)
			if s.cfg.MaxDelay > 0 && next > s.cfg.MaxDelay {
				next = s.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}
