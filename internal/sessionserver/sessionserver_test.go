package sessionserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/silc-project/silcd/internal/ptybackend"
	"github.com/silc-project/silcd/internal/session"
	"github.com/silc-project/silcd/internal/shellcap"
)

func newTestServer(t *testing.T) (*Server, *session.Session, *ptybackend.Stub) {
	t.Helper()
	stub := ptybackend.NewStub()
	sess := session.New(session.Config{
		Port:    20050,
		Name:    "http-test",
		Shell:   shellcap.Bash,
		Backend: stub,
	})
	go func() {
		time.Sleep(10 * time.Millisecond)
		stub.Feed([]byte("user@host:~$ "))
	}()
	if err := sess.Start("/bin/bash", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { sess.Close() })

	srv := New(sess, "", nil, nil)
	return srv, sess, stub
}

func TestStatusEndpointReturnsJSON(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/status", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}
}

func TestDeadSessionReturns410(t *testing.T) {
	srv, sess, _ := newTestServer(t)
	sess.Close()
	time.Sleep(20 * time.Millisecond)

	req := httptest.NewRequest("GET", "/out", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusGone {
		t.Fatalf("code = %d, want 410", w.Code)
	}
}

func TestCloseIsExemptFromDeadSessionGuard(t *testing.T) {
	srv, sess, _ := newTestServer(t)
	sess.Close()
	time.Sleep(20 * time.Millisecond)

	req := httptest.NewRequest("POST", "/close", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("code = %d, want 204", w.Code)
	}
}

func TestInEndpointWritesInput(t *testing.T) {
	srv, _, stub := newTestServer(t)
	req := httptest.NewRequest("POST", "/in?nonewline=true", strings.NewReader("ls -la"))
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("code = %d, want 204", w.Code)
	}
	writes := stub.Writes()
	if len(writes) == 0 {
		t.Fatal("expected a write to the backend")
	}
	if string(writes[len(writes)-1]) != "ls -la" {
		t.Fatalf("write = %q, want %q", writes[len(writes)-1], "ls -la")
	}
}

func TestTokenEndpointRejectsNonLoopback(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/token", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("code = %d, want 403", w.Code)
	}
}
