package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/flyingrobots/blacklight/internal/logging"

	"github.com/flyingrobots/blacklight/internal/model"
)

// debounceWindow coalesces a burst of filesystem events (a JSONL append is
// often several writes in a row) into a single rescan signal.
const debounceWindow = 500 * time.Millisecond

// Watcher is the optional live-watch entrypoint: it watches every configured
// source root for changes and invokes onChange once per debounce window,
// rather than reparsing records itself. Scanning and parsing remain Scan's
// job; Watcher only decides when it's worth calling Scan again.
//
// fsnotify does not recurse, so Watcher walks each root at Start and adds
// every directory it finds, then adds newly created subdirectories as they
// appear — the same "can't watch files directly, watch the directory" fallback
// internal/session's single-file watcher relies on, extended across a whole
// source tree instead of one file's parent.
type Watcher struct {
	fsw      *fsnotify.Watcher
	sources  []model.Source
	skipDirs map[string]bool
	onChange func()

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher constructs a Watcher over the same sources and skip-dir rules a
// Scanner would use. onChange is invoked from the watch goroutine; it must
// not block.
func NewWatcher(sources []model.Source, skipDirs map[string]bool, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fsw:      fsw,
		sources:  sources,
		skipDirs: skipDirs,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, src := range sources {
		if err := w.addTree(src.Root); err != nil {
			L_warn("scanner: watch: failed to watch source root, skipping", "source", src.Name, "root", src.Root, "error", err)
		}
	}
	return w, nil
}

// addTree adds root and every directory beneath it to the watch list. Unlike
// walkSource, it does not classify files — it only needs directories, since
// fsnotify reports file events against whichever directory contains them.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entry, skip rather than abort the whole tree
		}
		if !d.IsDir() {
			return nil
		}
		if w.skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			L_warn("scanner: watch: failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// Start begins the watch loop in a background goroutine. Stop must be
// called to release the underlying fsnotify handle.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	defer w.fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// A new directory (e.g. a new Claude project folder) needs its own
			// watch added, or writes inside it would go unnoticed.
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !w.skipDirs[filepath.Base(event.Name)] {
						if err := w.fsw.Add(event.Name); err != nil {
							L_warn("scanner: watch: failed to add new directory", "path", event.Name, "error", err)
						}
					}
					continue
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounceWindow)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			if w.onChange != nil {
				w.onChange()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			L_warn("scanner: watch: fsnotify error", "error", err)
		}
	}
}

// Stop halts the watch loop and blocks until it has exited. Safe to call
// more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}
