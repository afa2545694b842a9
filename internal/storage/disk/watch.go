package disk

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"pkt.systems/pslog"

	"github.com/TheDevXen/airgram/internal/storage"
)

// Subscribe registers a filesystem watcher that signals whenever the document
// file for key is written or removed.
func (s *Store) Subscribe(ctx context.Context, key string) (storage.Subscription, error) {
	if !s.watchEnabled {
		return nil, storage.ErrNotImplemented
	}
	encoded, err := encodeKey(key)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create watcher: %w", err)
	}
	if err := watcher.Add(s.docDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch directory %q: %w", s.docDir, err)
	}
	sub := &changeSubscription{
		watcher: watcher,
		name:    filepath.Base(s.docPath(encoded)),
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		logger:  s.logger(ctx),
	}
	go sub.run()
	return sub, nil
}

type changeSubscription struct {
	watcher *fsnotify.Watcher
	name    string
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
	logger  pslog.Logger
}

func (c *changeSubscription) Events() <-chan struct{} {
	return c.events
}

func (c *changeSubscription) Close() error {
	c.once.Do(func() {
		close(c.stop)
		c.watcher.Close()
	})
	return nil
}

func (c *changeSubscription) run() {
	defer close(c.events)
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			// Atomic writes land as a rename into the docs directory.
			if filepath.Base(ev.Name) != c.name {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			c.signal()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Debug("disk.watch.error", "error", err)
			c.signal()
		}
	}
}

func (c *changeSubscription) signal() {
	select {
	case c.events <- struct{}{}:
	default:
	}
}
