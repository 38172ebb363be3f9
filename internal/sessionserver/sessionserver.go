// Package sessionserver implements the per-session HTTP/WebSocket
// API a daemon-reserved socket is handed to.
//
// It wraps a gorilla/websocket connection with a server-side message
// loop and a bidirectional read/write pump pair. Frames are written
// synchronously under a single send lock with a write deadline; the push
// pump reads the session buffer through its own cursor, so a slow client
// never blocks the session's read loop.
package sessionserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/silc-project/silcd/internal/authgate"
	"github.com/silc-project/silcd/internal/persistence"
	"github.com/silc-project/silcd/internal/session"
	"github.com/silc-project/silcd/internal/streamfile"
	"github.com/silc-project/silcd/internal/termrender"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	streamInterval = 500 * time.Millisecond
	wsPushInterval = 50 * time.Millisecond
)

// defaultRunTimeout is used when a /run request omits one; New may be
// followed by SetDefaultRunTimeout to override it per config.Defaults.
const defaultRunTimeout = 30

// Server wires a Session to an HTTP handler.
type Server struct {
	sess       *session.Session
	token      string
	store      *persistence.Store
	logger     *slog.Logger
	stream     *streamfile.Service
	runTimeout int // seconds

	mu      sync.Mutex // serializes concurrent WS pushes: one send-lock per connection set
	wsConns map[*websocket.Conn]bool
}

// New builds the handler for sess. store may be nil if session log
// tailing is not needed (e.g. in tests).
func New(sess *session.Session, token string, store *persistence.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sess:       sess,
		token:      token,
		store:      store,
		logger:     logger,
		stream:     streamfile.New(sess, logger),
		runTimeout: defaultRunTimeout,
		wsConns:    make(map[*websocket.Conn]bool),
	}
}

// SetDefaultRunTimeout overrides the timeout (in seconds) used when a
// /run request omits one, per config.Defaults.RunCommandTimeout.
func (srv *Server) SetDefaultRunTimeout(seconds int) {
	if seconds > 0 {
		srv.runTimeout = seconds
	}
}

// StopStreams cancels every stream-to-file task this server's session
// owns, called from the daemon's per-port cleanup before the session
// itself is closed.
func (srv *Server) StopStreams() { srv.stream.StopAll() }

// Handler returns the routed, token-gated http.Handler for this session.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", srv.handleStatus)
	mux.HandleFunc("GET /out", srv.handleOut)
	mux.HandleFunc("GET /raw", srv.handleRaw)
	mux.HandleFunc("GET /logs", srv.handleLogs)
	mux.HandleFunc("GET /stream", srv.handleStreamSSE)
	mux.HandleFunc("POST /stream/start", srv.handleStreamStart)
	mux.HandleFunc("POST /stream/stop", srv.handleStreamStop)
	mux.HandleFunc("GET /stream/status", srv.handleStreamStatus)
	mux.HandleFunc("POST /in", srv.handleIn)
	mux.HandleFunc("POST /run", srv.handleRun)
	mux.HandleFunc("POST /interrupt", srv.handleInterrupt)
	mux.HandleFunc("POST /sigterm", srv.handleSigterm)
	mux.HandleFunc("POST /sigkill", srv.handleSigkill)
	mux.HandleFunc("POST /clear", srv.handleClear)
	mux.HandleFunc("POST /reset", srv.handleReset)
	mux.HandleFunc("POST /resize", srv.handleResize)
	mux.HandleFunc("POST /close", srv.handleClose)
	mux.HandleFunc("POST /kill", srv.handleKill)
	mux.HandleFunc("GET /token", srv.handleToken)
	mux.HandleFunc("GET /ws", srv.handleWS)

	return authgate.Middleware(srv.token, srv.deadSessionGuard(mux))
}

// deadSessionGuard implements the dead-session contract: every endpoint
// except /close and /kill returns 410 once the session is no longer
// alive.
func (srv *Server) deadSessionGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !srv.sess.Alive() && r.URL.Path != "/close" && r.URL.Path != "/kill" {
			http.Error(w, "session is dead", http.StatusGone)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := srv.sess.GetStatus()
	writeJSON(w, map[string]any{
		"session_id":        st.SessionID,
		"port":              st.Port,
		"alive":             st.Alive,
		"idle_seconds":      st.IdleSeconds,
		"waiting_for_input": st.WaitingForInput,
		"last_line":         st.LastLine,
		"run_locked":        st.RunLocked,
	})
}

func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (srv *Server) handleOut(w http.ResponseWriter, r *http.Request) {
	n := intParam(r, "lines", 0)
	fmt.Fprint(w, srv.sess.GetOutput(n, false))
}

func (srv *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	n := intParam(r, "lines", 0)
	fmt.Fprint(w, srv.sess.GetOutput(n, true))
}

func (srv *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := intParam(r, "tail", 200)
	if srv.store == nil {
		http.Error(w, "log tailing unavailable", http.StatusServiceUnavailable)
		return
	}
	data, err := os.ReadFile(srv.store.SessionLogPath(srv.sess.Port))
	if err != nil {
		fmt.Fprint(w, "")
		return
	}
	lines := strings.Split(string(data), "\n")
	if n > 0 && n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	fmt.Fprint(w, strings.Join(lines, "\n"))
}

func (srv *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	cursor := srv.sess.BufferCursor()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !srv.sess.Alive() {
				return
			}
			var chunk []byte
			chunk, cursor = srv.sess.ReadSince(cursor)
			if len(chunk) == 0 {
				continue
			}
			out := termrender.Clean(chunk)
			fmt.Fprintf(w, "data: %s\n\n", strings.ReplaceAll(out, "\n", "\\n"))
			flusher.Flush()
		}
	}
}

type streamStartRequest struct {
	Mode                string  `json:"mode"`
	Filename            string  `json:"filename"`
	Interval            int     `json:"interval"`
	WindowSize          int     `json:"window_size"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

func (srv *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	body, _ := readBody(r)
	var req streamStartRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Interval <= 0 {
		req.Interval = 5
	}

	err := srv.stream.Start(streamfile.Config{
		Mode:                streamfile.Mode(req.Mode),
		Filename:            req.Filename,
		Interval:            time.Duration(req.Interval) * time.Second,
		WindowSize:          req.WindowSize,
		SimilarityThreshold: req.SimilarityThreshold,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{"status": "started", "filename": req.Filename, "mode": req.Mode})
}

func (srv *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		body, _ := readBody(r)
		var req struct {
			Filename string `json:"filename"`
		}
		json.Unmarshal(body, &req)
		filename = req.Filename
	}
	if !srv.stream.Stop(filename) {
		http.Error(w, fmt.Sprintf("no active stream found for: %s", filename), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"status": "stopped", "filename": filename})
}

func (srv *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "success", "streams": srv.stream.Status()})
}

func platformNewline() string {
	return "\n"
}

func (srv *Server) handleIn(w http.ResponseWriter, r *http.Request) {
	body, _ := readBody(r)
	text := strings.ReplaceAll(string(body), "\r\n", "")
	text = strings.ReplaceAll(text, "\n", "")
	nonewline := r.URL.Query().Get("nonewline") == "true"
	if !nonewline {
		text += platformNewline()
	}
	srv.sess.WriteInput([]byte(text))
	w.WriteHeader(http.StatusNoContent)
}

type runRequest struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

func (srv *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	body, _ := readBody(r)

	var req runRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Command == "" {
		req.Command = strings.TrimSpace(string(body))
	}
	if req.Timeout <= 0 {
		req.Timeout = intParam(r, "timeout", srv.runTimeout)
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(req.Timeout+5)*time.Second)
	defer cancel()

	res := srv.sess.RunCommand(ctx, req.Command, time.Duration(req.Timeout)*time.Second)
	writeJSON(w, map[string]any{
		"status":      res.Status,
		"output":      res.Output,
		"exit_code":   res.ExitCode,
		"error":       res.Error,
		"running_cmd": res.RunningCmd,
	})
}

func readBody(r *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}

func (srv *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	srv.sess.Interrupt()
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleSigterm(w http.ResponseWriter, r *http.Request) {
	srv.sess.SendSigterm()
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleSigkill(w http.ResponseWriter, r *http.Request) {
	srv.sess.SendSigkill()
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	srv.sess.ClearScreen()
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	srv.sess.ResetTerminal()
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	rows := intParam(r, "rows", 30)
	cols := intParam(r, "cols", 120)
	srv.sess.Resize(rows, cols)
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	srv.sess.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	srv.sess.ForceKill()
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if !authgate.IsLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	fmt.Fprint(w, srv.token)
}

// wsClientMsg is what the browser/CLI client sends over the socket.
type wsClientMsg struct {
	Event     string `json:"event"`
	Text      string `json:"text"`
	Nonewline bool   `json:"nonewline"`
}

func (srv *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	gateResult := authgate.CheckQueryToken(r, srv.token, "token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Auth failures close the established socket with 1008 (policy
	// violation) rather than refusing the HTTP upgrade, so clients see a
	// well-formed close frame.
	if gateResult != authgate.Allowed {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"), deadline)
		return
	}

	srv.sess.SetTUIActive(true)
	srv.mu.Lock()
	srv.wsConns[conn] = true
	srv.mu.Unlock()
	defer func() {
		srv.mu.Lock()
		delete(srv.wsConns, conn)
		stillActive := len(srv.wsConns) > 0
		srv.mu.Unlock()
		srv.sess.SetTUIActive(stillActive)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		srv.wsPushLoop(ctx, conn)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		srv.wsReadLoop(ctx, conn)
	}()
	wg.Wait()
}

// wsPushLoop streams raw PTY byte deltas to the client as update
// events. The payload is the bytes themselves (UTF-8 lossy), not a
// rendered screen: the attached TUI runs its own emulator and needs
// the stream verbatim.
func (srv *Server) wsPushLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPushInterval)
	defer ticker.Stop()

	cursor := srv.sess.BufferCursor()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !srv.sess.Alive() {
				return
			}
			var chunk []byte
			chunk, cursor = srv.sess.ReadSince(cursor)
			if len(chunk) == 0 {
				continue
			}
			srv.sendJSON(conn, map[string]any{"event": "update", "data": string(chunk)})
		}
	}
}

func (srv *Server) wsReadLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsClientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case "type":
			text := msg.Text
			if !msg.Nonewline {
				text += platformNewline()
			}
			srv.sess.WriteInput([]byte(text))
		case "load_history":
			hist := srv.sess.RawHistory()
			srv.sendJSON(conn, map[string]any{"event": "history", "data": string(hist)})
		}
	}
}

// sendJSON serializes v and writes it under the server's single send
// lock, so the periodic push loop and any history reply never
// interleave partial frames on the wire.
func (srv *Server) sendJSON(conn *websocket.Conn, v any) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.WriteJSON(v)
}
