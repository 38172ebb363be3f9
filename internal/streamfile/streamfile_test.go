package streamfile

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeSession is a minimal Session a test can drive without a real PTY.
type fakeSession struct {
	mu     sync.Mutex
	output string
	tail   []string
	alive  bool
}

func (f *fakeSession) GetOutput(n int, raw bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output
}

func (f *fakeSession) BufferTail(n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.tail))
	copy(out, f.tail)
	return out
}

func (f *fakeSession) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeSession) setTail(lines ...string) {
	f.mu.Lock()
	f.tail = lines
	f.mu.Unlock()
}

func (f *fakeSession) setOutput(s string) {
	f.mu.Lock()
	f.output = s
	f.mu.Unlock()
}

func newFakeSession() *fakeSession { return &fakeSession{alive: true} }

func TestStartRejectsMissingFilename(t *testing.T) {
	svc := New(newFakeSession(), nil)
	if err := svc.Start(Config{Mode: ModeRender}); err == nil {
		t.Fatal("expected an error for an empty filename")
	}
}

func TestStartRejectsDuplicateFilename(t *testing.T) {
	svc := New(newFakeSession(), nil)
	dir := t.TempDir()
	cfg := Config{Mode: ModeRender, Filename: filepath.Join(dir, "out.txt"), Interval: 50 * time.Millisecond}
	if err := svc.Start(cfg); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer svc.StopAll()

	if err := svc.Start(cfg); err == nil {
		t.Fatal("expected an error starting a second stream for the same file")
	}
}

func TestRenderModeWritesFile(t *testing.T) {
	sess := newFakeSession()
	sess.setOutput("hello world\n")
	svc := New(sess, nil)

	path := filepath.Join(t.TempDir(), "render.txt")
	if err := svc.Start(Config{Mode: ModeRender, Filename: path, Interval: 20 * time.Millisecond}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.StopAll()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil && strings.Contains(string(data), "hello world") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("render file never contained the expected output")
}

func TestAppendModeAppendsNovelLines(t *testing.T) {
	sess := newFakeSession()
	sess.setTail("alpha", "beta")
	svc := New(sess, nil)

	path := filepath.Join(t.TempDir(), "append.txt")
	cfg := Config{Mode: ModeAppend, Filename: path, Interval: 20 * time.Millisecond, WindowSize: 100, SimilarityThreshold: 0.85}
	if err := svc.Start(cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.StopAll()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil && strings.Contains(string(data), "beta") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	data, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(data), "alpha") {
		t.Fatalf("expected file to contain novel lines, got %q (err=%v)", data, err)
	}

	// Same tail again: nothing new should be appended.
	before, _ := os.ReadFile(path)
	time.Sleep(80 * time.Millisecond)
	after, _ := os.ReadFile(path)
	if string(before) != string(after) {
		t.Fatalf("expected no growth on a repeated tail: before=%q after=%q", before, after)
	}
}

func TestStopReportsMissingFilename(t *testing.T) {
	svc := New(newFakeSession(), nil)
	if svc.Stop("never-started.txt") {
		t.Fatal("expected Stop to report false for an unknown filename")
	}
}

func TestStatusReflectsActiveTasks(t *testing.T) {
	svc := New(newFakeSession(), nil)
	path := filepath.Join(t.TempDir(), "status.txt")
	if err := svc.Start(Config{Mode: ModeRender, Filename: path, Interval: time.Second}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.StopAll()

	st := svc.Status()
	entry, ok := st[path]
	if !ok || !entry.Active {
		t.Fatalf("expected an active status entry for %s, got %+v", path, st)
	}
}
