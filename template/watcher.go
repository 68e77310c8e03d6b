package template

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/docpipe/errors"
)

// DefaultDebounce coalesces the burst of events editors emit per save.
const DefaultDebounce = 300 * time.Millisecond

// Watcher re-imports template files when they change and deactivates the
// template when its file is removed.
type Watcher struct {
	dir      string
	store    *Store
	watcher  *fsnotify.Watcher
	logger   *zap.SugaredLogger
	actor    string
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer

	// OnChange is called after each processed file event (tests hook in here)
	OnChange func(path string, err error)
}

// NewWatcher watches dir for template changes.
func NewWatcher(store *Store, dir string, log *zap.SugaredLogger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "failed to watch template directory %s", dir)
	}
	return &Watcher{
		dir:      dir,
		store:    store,
		watcher:  fw,
		logger:   log.Named("template-watcher"),
		actor:    "template-watcher",
		debounce: DefaultDebounce,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// SetDebounce changes the quiet period before a changed file is imported.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start processes file events until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	go w.watchLoop(ctx)
}

func (w *Watcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isTemplateFile(filepath.Base(event.Name)) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				w.schedule(ctx, event.Name, false)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.schedule(ctx, event.Name, true)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Template watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string, removed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.apply(ctx, path, removed)
	})
}

func (w *Watcher) apply(ctx context.Context, path string, removed bool) {
	var err error
	if removed {
		err = w.store.DeactivateSource(ctx, path)
		if err == nil {
			w.logger.Infow("Template file removed", "file", path)
		}
	} else {
		var (
			tpl     *Template
			changed bool
		)
		tpl, changed, err = w.store.Import(ctx, path, w.actor)
		if err == nil && changed {
			w.logger.Infow("Template reloaded",
				"file", path,
				"name", tpl.Name,
				"version", tpl.Version)
		}
	}
	if err != nil {
		w.logger.Errorw("Template reload failed", "file", path, "error", err)
	}
	if w.OnChange != nil {
		w.OnChange(path, err)
	}
}

// Stop stops watching and cancels pending reloads.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
