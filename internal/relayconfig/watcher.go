package relayconfig

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is the debounce window applied to rapid successive
// config file writes.
const DefaultDebounce = 10 * time.Second

// Watcher watches a configuration file for changes and emits freshly
// loaded, validated snapshots on Snapshots(). Multiple writes within the
// debounce window collapse into a single reload.
type Watcher struct {
	path      string
	debounce  time.Duration
	snapshots chan *Snapshot

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// NewWatcher creates a Watcher for path. debounce of 0 selects
// DefaultDebounce.
func NewWatcher(path string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:      path,
		debounce:  debounce,
		snapshots: make(chan *Snapshot, 1),
		watcher:   fw,
	}, nil
}

// Snapshots returns the channel on which reloaded snapshots are delivered.
// Only successfully parsed and validated snapshots are emitted; a bad
// write to the file is logged and otherwise ignored.
func (w *Watcher) Snapshots() <-chan *Snapshot {
	return w.snapshots
}

// Start begins watching. Cancelling ctx or calling Stop ends the watch.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(ctx)
}

// Stop ends the watch and releases the underlying fsnotify handle.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
}

func (w *Watcher) run(ctx context.Context) {
	var debounceTimer *time.Timer
	var debounceC <-chan time.Time

	resetDebounce := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.NewTimer(w.debounce)
		debounceC = debounceTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			resetDebounce()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logrus.WithError(err).Warn("relayconfig: watcher error")

		case <-debounceC:
			debounceC = nil
			snap, err := Load(w.path)
			if err != nil {
				logrus.WithError(err).Warn("relayconfig: reload failed, keeping previous snapshot")
				continue
			}
			select {
			case w.snapshots <- snap:
			case <-ctx.Done():
				return
			}
		}
	}
}
