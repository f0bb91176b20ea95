// Package watcher watches the accounts directory and triggers pool reloads.
// It supports cross-platform fsnotify event handling.
package watcher

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// reloadDebounce coalesces the burst of events a single atomic account-file
// replace (write temp, rename) produces into one pool reload.
const reloadDebounce = 500 * time.Millisecond

// Watcher reloads the account pool when files under the accounts directory
// change: accounts added by an import tool, tokens patched by another
// process, or records deleted by the operator.
type Watcher struct {
	authDir string
	reload  func() error

	mu          sync.Mutex
	reloadTimer *time.Timer
	watcher     *fsnotify.Watcher
}

// New builds a Watcher over authDir. reload is invoked, debounced, after any
// relevant change.
func New(authDir string, reload func() error) *Watcher {
	return &Watcher{authDir: authDir, reload: reload}
}

// Start begins watching. It returns an error only when the underlying
// fsnotify watcher cannot be created or the directory cannot be added.
func (w *Watcher) Start() error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err = fsWatcher.Add(w.authDir); err != nil {
		_ = fsWatcher.Close()
		return err
	}
	w.watcher = fsWatcher

	go w.loop()
	log.Infof("watching %s for account changes", w.authDir)
	return nil
}

// Stop ends watching and releases the underlying watcher.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	w.mu.Lock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isAccountFileEvent(event) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("account watcher error")
		}
	}
}

// isAccountFileEvent filters out temp files and events that cannot change
// the pool's contents.
func isAccountFileEvent(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	if !strings.HasSuffix(name, ".json") {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
	}
	w.reloadTimer = time.AfterFunc(reloadDebounce, func() {
		if err := w.reload(); err != nil {
			log.WithError(err).Error("account pool reload failed")
		}
	})
}
