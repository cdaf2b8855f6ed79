// Package signals implements file-based control of a running fableforge
// process. Dropping a file named pause-<project>, resume-<project>, or
// cancel-<project> into the signals directory triggers the matching
// project operation; a shutdown file stops the whole process. The CLI
// control commands write these files so they work against a separately
// started run.
package signals

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Controller is the subset of orchestrator operations signal files can
// trigger.
type Controller interface {
	Pause(projectID string) error
	Resume(projectID string) error
	Cancel(projectID string) error
}

// Watcher monitors the signals directory and applies control files to
// the orchestrator.
type Watcher struct {
	dir  string
	ctrl Controller

	mu       sync.Mutex
	shutdown bool
	// onShutdown fires once when the shutdown file appears.
	onShutdown func()

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Dir returns the signals directory under the given base directory.
func Dir(baseDir string) string {
	return filepath.Join(baseDir, "signals")
}

// New creates a watcher over baseDir/signals, creating the directory if
// needed. If the filesystem watcher cannot start, the returned Watcher
// still works through Poll.
func New(baseDir string, ctrl Controller, onShutdown func()) (*Watcher, error) {
	dir := Dir(baseDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	w := &Watcher{
		dir:        dir,
		ctrl:       ctrl,
		onShutdown: onShutdown,
		done:       make(chan struct{}),
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		// Continue without watcher - callers fall back to Poll
		return w, nil
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return w, nil
	}
	w.watcher = fw
	go w.watch()

	return w, nil
}

func (w *Watcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 || event.Op&fsnotify.Write != 0 {
				w.handle(filepath.Base(event.Name))
			}
		case <-w.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

// Poll scans the signals directory once, handling any files the watcher
// may have missed. Useful as a fallback tick when fsnotify is
// unavailable.
func (w *Watcher) Poll() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.handle(entry.Name())
		}
	}
}

// handle interprets one signal file name and removes the file once the
// operation is applied.
func (w *Watcher) handle(name string) {
	action, projectID, ok := parseSignal(name)
	if !ok {
		return
	}

	var err error
	switch action {
	case "shutdown":
		w.mu.Lock()
		first := !w.shutdown
		w.shutdown = true
		w.mu.Unlock()
		if first && w.onShutdown != nil {
			w.onShutdown()
		}
	case "pause":
		err = w.ctrl.Pause(projectID)
	case "resume":
		err = w.ctrl.Resume(projectID)
	case "cancel":
		err = w.ctrl.Cancel(projectID)
	}
	if err != nil {
		log.Printf("[signals] %s %s: %v", action, projectID, err)
	}

	os.Remove(filepath.Join(w.dir, name))
}

// parseSignal splits a file name into action and project ID. Shutdown
// has no project part.
func parseSignal(name string) (action, projectID string, ok bool) {
	if name == "shutdown" {
		return "shutdown", "", true
	}
	for _, prefix := range []string{"pause-", "resume-", "cancel-"} {
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return strings.TrimSuffix(prefix, "-"), name[len(prefix):], true
		}
	}
	return "", "", false
}

// ShuttingDown reports whether a shutdown signal was received.
func (w *Watcher) ShuttingDown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shutdown
}

// Close stops watching. Pending signal files remain on disk.
func (w *Watcher) Close() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
}

// Send writes a control file into baseDir/signals for a running process
// to pick up.
func Send(baseDir, action, projectID string) error {
	dir := Dir(baseDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	name := action
	if projectID != "" {
		name = action + "-" + projectID
	}
	path := filepath.Join(dir, name)
	return os.WriteFile(path, []byte(time.Now().Format(time.RFC3339)), 0644)
}
