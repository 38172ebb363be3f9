package persistence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(dir)
}

func TestPidFileRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if pid, err := s.ReadPidFile(); err != nil || pid != 0 {
		t.Fatalf("expected no pid file initially, got %d, %v", pid, err)
	}

	if err := s.WritePidFile(4242); err != nil {
		t.Fatalf("WritePidFile: %v", err)
	}
	pid, err := s.ReadPidFile()
	if err != nil {
		t.Fatalf("ReadPidFile: %v", err)
	}
	if pid != 4242 {
		t.Fatalf("pid = %d, want 4242", pid)
	}

	if err := s.RemovePidFile(); err != nil {
		t.Fatalf("RemovePidFile: %v", err)
	}
	if pid, _ := s.ReadPidFile(); pid != 0 {
		t.Fatalf("expected pid file gone, got %d", pid)
	}
}

func TestUpsertAndRemoveSession(t *testing.T) {
	s := newTestStore(t)

	rec1 := SessionRecord{Port: 20001, Name: "one", Shell: "bash", CreatedAt: time.Now()}
	rec2 := SessionRecord{Port: 20002, Name: "two", Shell: "zsh", CreatedAt: time.Now()}

	if err := s.UpsertSession(rec1); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if err := s.UpsertSession(rec2); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	records, err := s.LoadSessions()
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}

	rec1Updated := rec1
	rec1Updated.Name = "one-renamed"
	if err := s.UpsertSession(rec1Updated); err != nil {
		t.Fatalf("UpsertSession (replace): %v", err)
	}
	records, _ = s.LoadSessions()
	if len(records) != 2 {
		t.Fatalf("replace should not grow the list, len = %d", len(records))
	}

	if err := s.RemoveSession(20001); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	records, _ = s.LoadSessions()
	if len(records) != 1 || records[0].Port != 20002 {
		t.Fatalf("unexpected records after remove: %+v", records)
	}
}

func TestRotateSessionLogTrimsToLastLines(t *testing.T) {
	s := newTestStore(t)
	path := s.SessionLogPath(20003)

	var b strings.Builder
	for i := 0; i < maxLogLines+500; i++ {
		b.WriteString("line\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	if err := s.RotateSessionLog(20003); err != nil {
		t.Fatalf("RotateSessionLog: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rotated log: %v", err)
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) != maxLogLines {
		t.Fatalf("lines = %d, want %d", len(lines), maxLogLines)
	}
}

func TestOpenSessionLogCreatesFile(t *testing.T) {
	s := newTestStore(t)
	f, err := s.OpenSessionLog(20004)
	if err != nil {
		t.Fatalf("OpenSessionLog: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString("hello\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(s.SessionLogPath(20004)); err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
}

func TestLogsLiveUnderLogsSubdir(t *testing.T) {
	s := newTestStore(t)
	if got, want := s.SessionLogPath(20005), filepath.Join(s.Dir(), "logs", "session_20005.log"); got != want {
		t.Fatalf("session log path = %q, want %q", got, want)
	}
	if got, want := s.DaemonLogPath(), filepath.Join(s.Dir(), "logs", "daemon.log"); got != want {
		t.Fatalf("daemon log path = %q, want %q", got, want)
	}
}
