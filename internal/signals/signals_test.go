package signals

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// recordingController records which operations fired.
type recordingController struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingController) record(op, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op+":"+id)
	return nil
}

func (r *recordingController) Pause(id string) error  { return r.record("pause", id) }
func (r *recordingController) Resume(id string) error { return r.record("resume", id) }
func (r *recordingController) Cancel(id string) error { return r.record("cancel", id) }

func (r *recordingController) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never met")
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		name      string
		action    string
		projectID string
		ok        bool
	}{
		{"pause-abc123", "pause", "abc123", true},
		{"resume-abc123", "resume", "abc123", true},
		{"cancel-abc123", "cancel", "abc123", true},
		{"shutdown", "shutdown", "", true},
		{"pause-", "", "", false},
		{"restart-abc", "", "", false},
		{"random.txt", "", "", false},
	}
	for _, tt := range tests {
		action, projectID, ok := parseSignal(tt.name)
		if action != tt.action || projectID != tt.projectID || ok != tt.ok {
			t.Errorf("parseSignal(%q) = %q, %q, %v", tt.name, action, projectID, ok)
		}
	}
}

func TestSignalFileTriggersOperation(t *testing.T) {
	base := t.TempDir()
	ctrl := &recordingController{}
	w, err := New(base, ctrl, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()

	if err := Send(base, "pause", "p1"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool { return len(ctrl.snapshot()) == 1 })

	if got := ctrl.snapshot()[0]; got != "pause:p1" {
		t.Errorf("call = %q", got)
	}
	// The signal file is consumed.
	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(Dir(base), "pause-p1"))
		return os.IsNotExist(err)
	})
}

func TestShutdownFiresOnce(t *testing.T) {
	base := t.TempDir()
	var mu sync.Mutex
	fired := 0
	w, err := New(base, &recordingController{}, func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()

	if err := Send(base, "shutdown", ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, w.ShuttingDown)

	// A second shutdown file does not re-fire the callback.
	Send(base, "shutdown", "")
	w.Poll()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Errorf("shutdown callback fired %d times", fired)
	}
}

func TestPollHandlesPreexistingFiles(t *testing.T) {
	base := t.TempDir()
	// Files dropped before the watcher existed.
	if err := Send(base, "cancel", "p9"); err != nil {
		t.Fatalf("send: %v", err)
	}

	ctrl := &recordingController{}
	w, err := New(base, ctrl, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()

	w.Poll()
	waitFor(t, func() bool {
		for _, c := range ctrl.snapshot() {
			if c == "cancel:p9" {
				return true
			}
		}
		return false
	})
}

func TestUnknownFilesIgnored(t *testing.T) {
	base := t.TempDir()
	ctrl := &recordingController{}
	w, err := New(base, ctrl, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(Dir(base), "notes.txt"), []byte("hi"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Poll()
	time.Sleep(50 * time.Millisecond)
	if calls := ctrl.snapshot(); len(calls) != 0 {
		t.Errorf("unexpected calls %v", calls)
	}
	// Unknown files are left in place.
	if _, err := os.Stat(filepath.Join(Dir(base), "notes.txt")); err != nil {
		t.Errorf("unknown file was removed: %v", err)
	}
}
