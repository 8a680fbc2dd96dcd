package registry

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Sync replaces the catalog content with the manifests in dir
func (c *Catalog) Sync(ctx context.Context, dir string) error {
	entries, err := LoadManifests(dir)
	if err != nil {
		return err
	}
	return c.Replace(ctx, entries)
}

// Watcher reloads manifests into a catalog when the manifest directory changes
type Watcher struct {
	watcher  *fsnotify.Watcher
	catalog  *Catalog
	dir      string
	logger   zerolog.Logger
	debounce time.Duration
	onReload func(error)

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}
	once   sync.Once
}

// WatcherConfig configures a Watcher
type WatcherConfig struct {
	Catalog  *Catalog
	Dir      string
	Debounce time.Duration
	Logger   zerolog.Logger

	// OnReload is called after every reload attempt
	OnReload func(error)
}

// NewWatcher starts watching cfg.Dir
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(cfg.Dir); err != nil {
		fsw.Close()
		return nil, err
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	w := &Watcher{
		watcher:  fsw,
		catalog:  cfg.Catalog,
		dir:      cfg.Dir,
		logger:   cfg.Logger,
		debounce: debounce,
		onReload: cfg.OnReload,
		stopCh:   make(chan struct{}),
	}

	go w.run()

	return w, nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isManifest(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Manifest change detected")

				w.scheduleReload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Manifest watcher error")

		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}

	err := w.catalog.Sync(context.Background(), w.dir)
	if err != nil {
		w.logger.Error().Err(err).Str("dir", w.dir).Msg("Failed to reload manifests")
	} else {
		w.logger.Info().Str("dir", w.dir).Msg("Manifests reloaded")
	}

	if w.onReload != nil {
		w.onReload(err)
	}
}
