// Package postgres stores state documents as jsonb rows. Field reads use the
// #> operator so only the requested value crosses the wire, and merges lock
// the row for the duration of the transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pkt.systems/pslog"

	"github.com/TheDevXen/airgram/internal/storage"
)

const (
	// DefaultTable holds one row per document.
	DefaultTable = "airgram_documents"
	// NotifyChannel carries the document key of every committed change.
	NotifyChannel = "airgram_changes"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Config controls the PostgreSQL backend.
type Config struct {
	DSN    string
	Table  string
	Logger pslog.Logger
}

// Store implements storage.Store and storage.ChangeFeed on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	table  string
	logger pslog.Logger
}

// New connects, then creates the document table when missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	store, err := NewWithPool(ctx, pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool uses an existing pool. The pool is closed by Close.
func NewWithPool(ctx context.Context, pool *pgxpool.Pool, cfg Config) (*Store, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("postgres: invalid table name %q", table)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	s := &Store{pool: pool, table: pgx.Identifier{table}.Sanitize(), logger: logger}
	if _, err := pool.Exec(ctx, s.schema()); err != nil {
		return nil, wrapError(err, "postgres: create table")
	}
	return s, nil
}

func (s *Store) schema() string {
	return `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
	doc_key text PRIMARY KEY,
	doc jsonb NOT NULL DEFAULT '{}'::jsonb,
	updated_at timestamptz NOT NULL DEFAULT now()
)`
}

// Backend implements storage.Describer.
func (s *Store) Backend() string { return "postgres" }

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Get returns the stored document.
func (s *Store) Get(ctx context.Context, docKey string) (storage.Document, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM `+s.table+` WHERE doc_key = $1`, docKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapError(err, "postgres: get")
	}
	return storage.DecodeDocument(raw)
}

// GetField extracts path server-side with the #> operator.
func (s *Store) GetField(ctx context.Context, docKey, path string) (any, error) {
	parts, err := storage.SplitPath(path)
	if err != nil {
		return nil, err
	}
	var raw []byte
	err = s.pool.QueryRow(ctx, `SELECT doc #> $2::text[] FROM `+s.table+` WHERE doc_key = $1`, docKey, parts).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, wrapError(err, "postgres: get field")
	}
	if raw == nil {
		return nil, storage.ErrNotFound
	}
	value, err := storage.DecodeValue(raw)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, storage.ErrNotFound
	}
	return value, nil
}

// Set merges partial into the locked row and notifies listeners on commit.
func (s *Store) Set(ctx context.Context, docKey string, partial storage.Document) (storage.Document, error) {
	if _, err := storage.TopLevelKeys(partial); err != nil {
		return nil, err
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO `+s.table+` (doc_key) VALUES ($1) ON CONFLICT (doc_key) DO NOTHING`, docKey); err != nil {
			return err
		}
		var raw []byte
		if err := tx.QueryRow(ctx, `SELECT doc FROM `+s.table+` WHERE doc_key = $1 FOR UPDATE`, docKey).Scan(&raw); err != nil {
			return err
		}
		doc, err := storage.DecodeDocument(raw)
		if err != nil {
			return err
		}
		if err := storage.Merge(doc, partial); err != nil {
			return err
		}
		payload, err := storage.EncodeDocument(doc)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE `+s.table+` SET doc = $2::jsonb, updated_at = now() WHERE doc_key = $1`, docKey, string(payload)); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, docKey)
		return err
	})
	if err != nil {
		return nil, wrapError(err, "postgres: set")
	}
	return partial, nil
}

// Delete removes the row and notifies listeners.
func (s *Store) Delete(ctx context.Context, docKey string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM `+s.table+` WHERE doc_key = $1`, docKey)
		if err != nil || tag.RowsAffected() == 0 {
			return err
		}
		_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, docKey)
		return err
	})
	if err != nil {
		return wrapError(err, "postgres: delete")
	}
	return nil
}

// Subscribe takes a dedicated connection out of the pool and LISTENs on
// NotifyChannel, forwarding notifications for docKey.
func (s *Store) Subscribe(ctx context.Context, docKey string) (storage.Subscription, error) {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, wrapError(err, "postgres: acquire")
	}
	conn := pooled.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		conn.Close(context.Background())
		return nil, wrapError(err, "postgres: listen")
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		conn:   conn,
		docKey: docKey,
		events: make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: s.logger,
	}
	go sub.run(listenCtx)
	return sub, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type subscription struct {
	conn   *pgx.Conn
	docKey string
	events chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	logger pslog.Logger
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	for {
		n, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("postgres.listen.failed", "key", s.docKey, "error", err)
			}
			return
		}
		if n.Payload != s.docKey {
			continue
		}
		select {
		case s.events <- struct{}{}:
		default:
		}
	}
}

func (s *subscription) Events() <-chan struct{} { return s.events }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		<-s.done
		err = s.conn.Close(context.Background())
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
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "40"):
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P03", pgErr.Code == "53300":
			return true
		}
	}
	return false
}
