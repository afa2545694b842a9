package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"github.com/TheDevXen/airgram/internal/storage"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// DisableWatch turns off the fsnotify change feed.
	DisableWatch bool
}

// Store implements storage.Blob backed by the local filesystem. Each document
// lives in its own file and writes are serialised per key by an in-process
// mutex plus an fcntl lock so several processes can share a root.
type Store struct {
	root    string
	docDir  string
	tmpDir  string
	lockDir string

	locks sync.Map

	watchEnabled bool
	watchReason  string
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		root:    root,
		docDir:  filepath.Join(root, "docs"),
		tmpDir:  filepath.Join(root, "tmp"),
		lockDir: filepath.Join(root, "locks"),
	}
	for _, dir := range []string{s.docDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	s.watchReason = "config_disabled"
	if !cfg.DisableWatch {
		if watchSupported(root) {
			s.watchEnabled = true
			s.watchReason = "filesystem_watch_enabled"
		} else {
			s.watchReason = "filesystem_not_supported"
		}
	}
	return s, nil
}

// Backend implements storage.Describer.
func (s *Store) Backend() string { return "disk" }

// Root returns the directory the store was opened on.
func (s *Store) Root() string { return s.root }

// WatchStatus reports whether the fsnotify change feed is active and why.
func (s *Store) WatchStatus() (bool, string) {
	return s.watchEnabled, s.watchReason
}

// Close satisfies storage.Blob; the disk store holds no open handles between calls.
func (s *Store) Close() error {
	return nil
}

func (s *Store) keyLock(encoded string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(encoded, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Store) acquireFileLock(encoded string) (*fileLock, error) {
	f, err := os.OpenFile(filepath.Join(s.lockDir, encoded+".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: lock key: %w", err)
	}
	return &fileLock{file: f}, nil
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "disk")
}

func encodeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: key required")
	}
	encoded := url.PathEscape(key)
	if strings.Contains(encoded, "..") || strings.ContainsAny(encoded, `/\`) {
		return "", fmt.Errorf("disk: invalid key %q", key)
	}
	return encoded, nil
}

func (s *Store) docPath(encoded string) string {
	return filepath.Join(s.docDir, encoded+".json")
}

func etagOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Load reads the document file for key.
func (s *Store) Load(ctx context.Context, key string) (storage.Object, error) {
	if err := ctx.Err(); err != nil {
		return storage.Object{}, err
	}
	encoded, err := encodeKey(key)
	if err != nil {
		return storage.Object{}, err
	}
	data, err := os.ReadFile(s.docPath(encoded))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.Object{}, storage.ErrNotFound
		}
		return storage.Object{}, fmt.Errorf("disk: read %q: %w", key, err)
	}
	return storage.Object{Data: data, ETag: etagOf(data)}, nil
}

// Save writes data for key atomically. The ETag is the SHA-256 of the content.
func (s *Store) Save(ctx context.Context, key string, data []byte, opts storage.SaveOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	encoded, err := encodeKey(key)
	if err != nil {
		return "", err
	}
	mu := s.keyLock(encoded)
	mu.Lock()
	defer mu.Unlock()
	lock, err := s.acquireFileLock(encoded)
	if err != nil {
		return "", err
	}
	defer lock.Unlock()

	dest := s.docPath(encoded)
	if opts.IfNotExists || opts.ExpectedETag != "" {
		current, err := os.ReadFile(dest)
		switch {
		case errors.Is(err, os.ErrNotExist):
			if opts.ExpectedETag != "" {
				return "", storage.ErrCASMismatch
			}
		case err != nil:
			return "", fmt.Errorf("disk: read %q: %w", key, err)
		case opts.IfNotExists:
			return "", storage.ErrCASMismatch
		case etagOf(current) != opts.ExpectedETag:
			return "", storage.ErrCASMismatch
		}
	}
	if err := s.writeAtomic(dest, data); err != nil {
		return "", fmt.Errorf("disk: write %q: %w", key, err)
	}
	etag := etagOf(data)
	s.logger(ctx).Trace("disk.save.success", "key", key, "etag", etag, "bytes", len(data))
	return etag, nil
}

// Remove deletes the document file for key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded, err := encodeKey(key)
	if err != nil {
		return err
	}
	mu := s.keyLock(encoded)
	mu.Lock()
	defer mu.Unlock()
	lock, err := s.acquireFileLock(encoded)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	if err := os.Remove(s.docPath(encoded)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("disk: remove %q: %w", key, err)
	}
	_ = syncDir(s.docDir)
	s.logger(ctx).Trace("disk.remove.success", "key", key)
	return nil
}

func (s *Store) writeAtomic(dest string, payload []byte) error {
	tmp, err := os.CreateTemp(s.tmpDir, "airgram-doc-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	_ = syncDir(filepath.Dir(dest))
	return nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
