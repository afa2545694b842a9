package airgram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/pslog"

	"github.com/TheDevXen/airgram/fieldcipher"
	"github.com/TheDevXen/airgram/internal/clock"
	"github.com/TheDevXen/airgram/internal/storage"
	"github.com/TheDevXen/airgram/internal/storage/logging"
	"github.com/TheDevXen/airgram/internal/storage/retry"
	"github.com/TheDevXen/airgram/internal/svcfields"
	"github.com/TheDevXen/airgram/pending"
	"github.com/TheDevXen/airgram/session"
)

// Option customises Open.
type Option func(*openOptions)

type openOptions struct {
	logger pslog.Logger
	store  Store
	cipher fieldcipher.Cipher
	clock  clock.Clock
}

// WithLogger routes all state, storage and watch logs to logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *openOptions) {
		o.logger = logger
	}
}

// WithStore bypasses the Store URL and uses store directly. The caller keeps
// ownership: State.Close does not close it.
func WithStore(store Store) Option {
	return func(o *openOptions) {
		o.store = store
	}
}

// WithCipher supplies the field cipher instead of building one from
// CipherMode.
func WithCipher(c fieldcipher.Cipher) Option {
	return func(o *openOptions) {
		o.cipher = c
	}
}

// WithClock overrides the clock used for retry backoff and watch polling.
func WithClock(clk clock.Clock) Option {
	return func(o *openOptions) {
		o.clock = clk
	}
}

// State bundles the session and pending state of one client over a shared
// store.
type State struct {
	cfg     Config
	store   Store
	session *session.Manager
	updates *pending.Updates
	logger  pslog.Logger
	clock   clock.Clock
	closers []io.Closer
}

// Open validates cfg and assembles the store, the field cipher and both state
// managers.
func Open(ctx context.Context, cfg Config, opts ...Option) (*State, error) {
	var o openOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.cipher != nil {
		cfg.CipherMode = CipherExternal
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := clock.OrReal(o.clock)
	st := &State{cfg: cfg, logger: logger, clock: clk}

	var bundle fieldcipher.Bundle
	if cfg.CipherMode == CipherKryptograf || cfg.StorageEncryption {
		var err error
		bundle, err = fieldcipher.LoadBundle(cfg.KeyBundle)
		if err != nil {
			return nil, err
		}
	}

	raw := o.store
	if raw == nil {
		crypto, err := storage.NewCrypto(storage.CryptoConfig{
			Enabled: cfg.StorageEncryption,
			RootKey: bundle.Root,
			Snappy:  cfg.StorageEncryptionSnappy,
		})
		if err != nil {
			return nil, err
		}
		storeLogger := svcfields.WithSubsystem(logger, svcfields.SubsystemStorage)
		raw, err = OpenStore(ctx, cfg, crypto, storeLogger)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, raw)
	}
	wrapped := retry.Wrap(raw, logger, clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	st.store = logging.Wrap(wrapped, logger, svcfields.SubsystemStorage)

	cipher := o.cipher
	if cipher == nil {
		built, err := buildCipher(cfg, bundle)
		if err != nil {
			st.Close()
			return nil, err
		}
		if c, ok := built.(io.Closer); ok {
			st.closers = append(st.closers, c)
		}
		cipher = built
	}

	mgr, err := session.New(session.Config{
		ClientName:      cfg.ClientName,
		Store:           st.store,
		Cipher:          cipher,
		Logger:          logger,
		DefaultDcID:     cfg.DefaultDcID,
		EncryptedFields: cfg.EncryptionPolicy(),
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	updates, err := pending.New(pending.Config{
		ClientName: cfg.ClientName,
		Store:      st.store,
		Logger:     logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	st.session = mgr
	st.updates = updates
	logger.Debug("state.open",
		"client", cfg.ClientName,
		"backend", storage.BackendName(st.store),
		"cipher", cfg.CipherMode,
		"policy", cfg.EncryptionPolicy().Kind().String(),
		"storage_encryption", cfg.StorageEncryption,
	)
	return st, nil
}

func buildCipher(cfg Config, bundle fieldcipher.Bundle) (fieldcipher.Cipher, error) {
	switch cfg.CipherMode {
	case CipherKryptograf:
		return fieldcipher.NewKryptograf(bundle.Root, bundle.Field)
	case CipherPassphrase:
		return fieldcipher.NewPassphrase(cfg.Passphrase, cfg.PBKDF2Iterations)
	default:
		return nil, nil
	}
}

// Session returns the session state manager.
func (s *State) Session() *session.Manager { return s.session }

// Updates returns the pending update-sequence state.
func (s *State) Updates() *pending.Updates { return s.updates }

// Store returns the wrapped store shared by both managers.
func (s *State) Store() Store { return s.store }

// Config returns the validated configuration.
func (s *State) Config() Config { return s.cfg }

// Close releases the cipher key material and, unless WithStore was used, the
// store.
func (s *State) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Watch streams snapshots of docKey. The current document is sent first and
// every later change follows; an absent document is sent as an empty one.
// Stores with a change feed push updates, others are polled every
// Config.WatchPollInterval. The channel closes when ctx ends.
func (s *State) Watch(ctx context.Context, docKey string) (<-chan Document, error) {
	if docKey == "" {
		return nil, fmt.Errorf("watch: document key required")
	}
	logger := svcfields.WithSubsystem(s.logger, svcfields.SubsystemWatch).With("key", docKey)
	var sub storage.Subscription
	if feed, ok := s.store.(storage.ChangeFeed); ok {
		var err error
		sub, err = feed.Subscribe(ctx, docKey)
		switch {
		case errors.Is(err, storage.ErrNotImplemented):
			sub = nil
		case err != nil:
			return nil, fmt.Errorf("watch: subscribe %q: %w", docKey, err)
		}
	}
	out := make(chan Document, 1)
	w := &watcher{
		store:    s.store,
		docKey:   docKey,
		logger:   logger,
		clock:    s.clock,
		interval: s.cfg.WatchPollInterval,
		out:      out,
	}
	if sub != nil {
		logger.Debug("watch.start", "mode", "feed")
		go w.runFeed(ctx, sub)
	} else {
		logger.Debug("watch.start", "mode", "poll", "interval", w.interval)
		go w.runPoll(ctx)
	}
	return out, nil
}

type watcher struct {
	store    Store
	docKey   string
	logger   pslog.Logger
	clock    clock.Clock
	interval time.Duration
	out      chan Document
	last     []byte
	primed   bool
}

func (w *watcher) runFeed(ctx context.Context, sub storage.Subscription) {
	defer close(w.out)
	defer sub.Close()
	if !w.emit(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.Events():
			if !ok {
				w.logger.Warn("watch.feed.closed")
				return
			}
			if !w.emit(ctx) {
				return
			}
		}
	}
}

func (w *watcher) runPoll(ctx context.Context) {
	defer close(w.out)
	if !w.emit(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(w.interval):
			if !w.emit(ctx) {
				return
			}
		}
	}
}

// emit reads the document and sends it when it differs from the last one
// sent. It returns false once ctx is done.
func (w *watcher) emit(ctx context.Context) bool {
	doc, err := w.store.Get(ctx, w.docKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		doc = Document{}
	case err != nil:
		if ctx.Err() != nil {
			return false
		}
		w.logger.Warn("watch.read.failed", "error", err)
		return true
	}
	encoded, err := storage.EncodeDocument(doc)
	if err != nil {
		w.logger.Warn("watch.encode.failed", "error", err)
		return true
	}
	if w.primed && bytes.Equal(encoded, w.last) {
		return true
	}
	w.last = encoded
	w.primed = true
	select {
	case w.out <- doc:
		return true
	case <-ctx.Done():
		return false
	}
}
