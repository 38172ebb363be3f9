package session

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/silc-project/silcd/internal/ptybackend"
	"github.com/silc-project/silcd/internal/shellcap"
)

// newTestSession starts a stub-backed bash session, feeding a prompt so
// helper injection completes promptly instead of waiting out its bound.
func newTestSession(t *testing.T) (*Session, *ptybackend.Stub) {
	t.Helper()
	stub := ptybackend.NewStub()
	var logBuf bytes.Buffer
	s := New(Config{
		Port:      20001,
		Name:      "test",
		Shell:     shellcap.Bash,
		Backend:   stub,
		LogWriter: &logBuf,
		Rows:      10,
		Cols:      40,
	})
	go func() {
		time.Sleep(10 * time.Millisecond)
		stub.Feed([]byte("user@host:~$ "))
	}()
	if err := s.Start("/bin/bash", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, stub
}

func TestStartInjectsHelperAndClearsBuffer(t *testing.T) {
	s, stub := newTestSession(t)

	writes := stub.Writes()
	if len(writes) == 0 {
		t.Fatal("helper was never written")
	}
	if !strings.Contains(string(writes[0]), "__silc_exec") {
		t.Fatalf("first write is not the helper: %q", writes[0])
	}
	if got := s.buf.GetBytes(); len(got) != 0 {
		t.Fatalf("buffer not cleared after injection: %q", got)
	}
}

func TestRunCommandCompletesOnEndMarker(t *testing.T) {
	s, stub := newTestSession(t)
	helperWrites := len(stub.Writes())

	done := make(chan RunResult, 1)
	go func() {
		done <- s.RunCommand(context.Background(), "echo hi", 2*time.Second)
	}()

	deadline := time.After(time.Second)
	for len(stub.Writes()) <= helperWrites {
		select {
		case <-deadline:
			t.Fatal("invocation never written")
		case <-time.After(time.Millisecond):
		}
	}

	writes := stub.Writes()
	token := extractToken(t, string(writes[len(writes)-1]))

	stub.Feed([]byte("__SILC_BEGIN_" + token + "__\r\n"))
	stub.Feed([]byte("hi\r\n"))
	stub.Feed([]byte("__SILC_END_" + token + "__:0\r\n"))

	select {
	case res := <-done:
		if res.Status != "completed" {
			t.Fatalf("status = %q, want completed (output=%q err=%q)", res.Status, res.Output, res.Error)
		}
		if res.ExitCode != 0 {
			t.Fatalf("exit code = %d, want 0", res.ExitCode)
		}
		if res.Output != "hi" {
			t.Fatalf("output = %q, want %q", res.Output, "hi")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("RunCommand did not complete")
	}
}

func TestRunCommandCapturesNonzeroExit(t *testing.T) {
	s, stub := newTestSession(t)
	helperWrites := len(stub.Writes())

	done := make(chan RunResult, 1)
	go func() {
		done <- s.RunCommand(context.Background(), "false", 2*time.Second)
	}()

	deadline := time.After(time.Second)
	for len(stub.Writes()) <= helperWrites {
		select {
		case <-deadline:
			t.Fatal("invocation never written")
		case <-time.After(time.Millisecond):
		}
	}
	writes := stub.Writes()
	token := extractToken(t, string(writes[len(writes)-1]))

	stub.Feed([]byte("__SILC_BEGIN_" + token + "__\r\n__SILC_END_" + token + "__:3\r\n"))

	res := <-done
	if res.Status != "completed" || res.ExitCode != 3 {
		t.Fatalf("got status=%q exit=%d, want completed/3", res.Status, res.ExitCode)
	}
}

func TestRunCommandTimesOut(t *testing.T) {
	s, _ := newTestSession(t)

	start := time.Now()
	res := s.RunCommand(context.Background(), "sleep 100", 50*time.Millisecond)
	if res.Status != "timeout" {
		t.Fatalf("status = %q, want timeout", res.Status)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}

func TestRunCommandRejectsConcurrentRun(t *testing.T) {
	s, _ := newTestSession(t)

	if !s.run.TryAcquire() {
		t.Fatal("expected to acquire run lock")
	}
	defer s.run.Release()

	res := s.RunCommand(context.Background(), "echo hi", time.Second)
	if res.Status != "busy" {
		t.Fatalf("status = %q, want busy", res.Status)
	}
}

func TestGetStatusReportsRunLocked(t *testing.T) {
	s, _ := newTestSession(t)
	st := s.GetStatus()
	if st.RunLocked {
		t.Fatal("expected run lock free initially")
	}
	s.run.TryAcquire()
	st = s.GetStatus()
	if !st.RunLocked {
		t.Fatal("expected run lock held")
	}
	s.run.Release()
}

func TestGetStatusWaitingForInput(t *testing.T) {
	cases := []struct {
		name string
		feed string
		want bool
	}{
		{"question prompt", "Overwrite file? [y/n]:?", true},
		{"bracket prompt", "Continue [y/N]", true},
		{"bare colon is not waiting", "Password:", false},
		{"bare question mark is not waiting", "Are you sure?", false},
		{"plain output", "done", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s, stub := newTestSession(t)
			stub.Feed([]byte(c.feed))

			deadline := time.Now().Add(time.Second)
			for s.buf.Cursor() == 0 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}

			if got := s.GetStatus().WaitingForInput; got != c.want {
				t.Fatalf("WaitingForInput = %v, want %v (last line %q)", got, c.want, c.feed)
			}
		})
	}
}

func TestReadSinceStreamsDeltas(t *testing.T) {
	s, stub := newTestSession(t)

	cursor := s.BufferCursor()
	stub.Feed([]byte("fresh output"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		chunk, next := s.ReadSince(cursor)
		if len(chunk) > 0 {
			if string(chunk) != "fresh output" {
				t.Fatalf("chunk = %q", chunk)
			}
			if next <= cursor {
				t.Fatalf("cursor did not advance: %d -> %d", cursor, next)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("delta never observed")
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _ := newTestSession(t)
	s.Close()
	s.Close()
	if !s.Closed() {
		t.Fatal("expected session to be closed")
	}
}

// extractToken pulls the per-call token out of a helper invocation line
// like "__silc_exec 'echo hi' a1b2c3d4\n": the last whitespace field.
func extractToken(t *testing.T, inv string) string {
	t.Helper()
	fields := strings.Fields(strings.TrimSpace(inv))
	if len(fields) < 2 {
		t.Fatalf("malformed invocation: %q", inv)
	}
	return fields[len(fields)-1]
}
