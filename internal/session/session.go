// Package session binds the raw byte
// buffer, PTY backend, and shell capability into one running shell: the
// read loop, the GC loop, the input/run locks, and the run_command
// state machine.
//
// It holds a PTY backend and a byte buffer behind a mutex, with a
// readLoop/done-channel cancellation shape; screens are rendered fresh
// per call by termrender. The BEGIN/END marker state machine delimits
// run_command output with a per-call random token so markers left in
// the buffer by an earlier, abandoned run never match.
package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/silc-project/silcd/internal/buffer"
	"github.com/silc-project/silcd/internal/ptybackend"
	"github.com/silc-project/silcd/internal/shellcap"
	"github.com/silc-project/silcd/internal/termrender"
)

const (
	maxRunOutputBytes = 5 * 1024 * 1024 // cap on captured command output
	pollInterval      = 50 * time.Millisecond
	gcInterval        = 60 * time.Second
	idleTimeout       = 30 * time.Minute
	readChunkSize     = 4096
	closeBound        = time.Second
	forceCloseBound   = 500 * time.Millisecond
	helperReadyWait   = 2 * time.Second
)

// Status is the snapshot get_status() returns.
type Status struct {
	SessionID       string
	Port            int
	Alive           bool
	IdleSeconds     float64
	WaitingForInput bool
	LastLine        string
	RunLocked       bool
}

// RunResult is what run_command returns.
type RunResult struct {
	Status     string // completed | timeout | busy | error
	Output     string
	ExitCode   int
	Error      string
	RunningCmd string
}

// Config configures a new Session. Backend/LogWriter/Logger default to
// sensible values (a POSIX PTY, io.Discard, slog.Default()) when nil so
// tests can substitute a ptybackend.Stub.
type Config struct {
	Port     int
	Name     string
	Shell    shellcap.Kind
	Cwd      string
	APIToken string
	IsGlobal bool
	Rows     int
	Cols     int
	Env      []string

	Backend   ptybackend.Backend
	LogWriter io.Writer
	Logger    *slog.Logger

	// OnClosed is invoked exactly once, after the session has fully
	// torn down, so the owning daemon can update its registry. May be nil.
	OnClosed func(s *Session)

	// RotateLog is invoked on every GC tick that does not close the
	// session, so the on-disk log stays bounded even for long-lived
	// attached sessions. May be nil.
	RotateLog func() error
}

// Session is one running shell plus the supervisor state around it.
type Session struct {
	Port      int
	Name      string
	SessionID string
	ShellType shellcap.Kind
	Cwd       string
	APIToken  string
	IsGlobal  bool
	CreatedAt time.Time

	cap       shellcap.Capability
	backend   ptybackend.Backend
	buf       *buffer.Buffer
	logW      io.Writer
	logger    *slog.Logger
	env       []string
	onClosed  func(s *Session)
	rotateLog func() error

	mu             sync.Mutex
	lastAccess     time.Time
	lastOutput     time.Time
	closed         bool
	tuiActive      bool
	helperInjected bool
	rows, cols     int
	currentRunCmd  string

	run   runLock
	input sync.Mutex

	alive      boolFlag
	cancelRead chan struct{}
	cancelGC   chan struct{}
	readDone   chan struct{}
	gcDone     chan struct{}
}

// runLock is a TryLock-able mutex that also reports whether it is held,
// needed for both run_command's busy-check and the GC loop's
// "is a command in flight" check.
type runLock struct {
	mu   sync.Mutex
	held bool
}

func (r *runLock) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.held {
		return false
	}
	r.held = true
	return true
}

func (r *runLock) Release() {
	r.mu.Lock()
	r.held = false
	r.mu.Unlock()
}

func (r *runLock) Held() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held
}

type boolFlag struct {
	mu sync.Mutex
	v  bool
}

func (b *boolFlag) set(v bool) {
	b.mu.Lock()
	b.v = v
	b.mu.Unlock()
}

func (b *boolFlag) get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.v
}

// New constructs a Session. It does not spawn the PTY; call Start for that.
func New(cfg Config) *Session {
	backend := cfg.Backend
	if backend == nil {
		backend = ptybackend.NewPOSIX()
	}
	logW := cfg.LogWriter
	if logW == nil {
		logW = io.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rows, cols := cfg.Rows, cfg.Cols
	if rows <= 0 {
		rows = 30
	}
	if cols <= 0 {
		cols = 120
	}

	s := &Session{
		Port:      cfg.Port,
		Name:      cfg.Name,
		SessionID: newSessionID(),
		ShellType: cfg.Shell,
		Cwd:       cfg.Cwd,
		APIToken:  cfg.APIToken,
		IsGlobal:  cfg.IsGlobal,
		CreatedAt: time.Now(),

		cap:       shellcap.For(cfg.Shell),
		backend:   backend,
		buf:       buffer.New(buffer.DefaultCapacity),
		logW:      logW,
		logger:    logger.With("port", cfg.Port, "session", cfg.Name),
		env:       cfg.Env,
		onClosed:  cfg.OnClosed,
		rotateLog: cfg.RotateLog,

		rows: rows,
		cols: cols,

		cancelRead: make(chan struct{}),
		cancelGC:   make(chan struct{}),
		readDone:   make(chan struct{}),
		gcDone:     make(chan struct{}),
	}
	s.lastAccess = s.CreatedAt
	s.lastOutput = s.CreatedAt
	return s
}

// newSessionID truncates a fresh UUID to an 8-character handle.
func newSessionID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func newToken() string {
	var b [4]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Start spawns the PTY, begins the read loop, injects the shell helper,
// waits up to helperReadyWait for the prompt to reappear, clears the
// buffer so the injection is invisible, and starts the GC loop.
func (s *Session) Start(shellPath string, args []string) error {
	if err := s.backend.Spawn(ptybackend.SpawnConfig{
		Shell: shellPath,
		Args:  args,
		Dir:   s.Cwd,
		Env:   s.env,
		Size:  ptybackend.Size{Rows: uint16(s.rows), Cols: uint16(s.cols)},
	}); err != nil {
		return fmt.Errorf("session: spawn failed: %w", err)
	}
	s.alive.set(true)

	go s.readLoop()
	s.injectHelper()
	go s.gcLoop()
	return nil
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	defer s.alive.set(false)

	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-s.cancelRead:
			return
		default:
		}

		n, _ := s.backend.Read(buf)
		if n == 0 {
			if !s.backend.Alive() {
				return
			}
			continue
		}
		chunk := append([]byte(nil), buf[:n]...)
		s.buf.Append(chunk)

		s.mu.Lock()
		s.lastOutput = time.Now()
		s.mu.Unlock()

		s.appendLog(chunk)
	}
}

func (s *Session) appendLog(chunk []byte) {
	if s.logW == nil {
		return
	}
	s.logW.Write(chunk)
}

// injectHelper writes the one-time shell helper, waits for the idle
// prompt to reappear (bounded by helperReadyWait), and clears the
// buffer so clients never see the injection.
func (s *Session) injectHelper() {
	if s.cap.HelperText == "" {
		s.mu.Lock()
		s.helperInjected = true
		s.mu.Unlock()
		return
	}

	s.backend.Write([]byte(s.cap.HelperText + s.cap.Newline()))

	deadline := time.Now().Add(helperReadyWait)
	for time.Now().Before(deadline) {
		tail := s.buf.GetLast(1)
		if s.cap.PromptPattern.MatchString(tail) {
			break
		}
		time.Sleep(pollInterval)
	}

	s.buf.Clear()
	s.mu.Lock()
	s.helperInjected = true
	s.mu.Unlock()
}

func (s *Session) gcLoop() {
	defer close(s.gcDone)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cancelGC:
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastAccess)
			tuiActive := s.tuiActive
			s.mu.Unlock()

			if idle > idleTimeout && !tuiActive && !s.run.Held() {
				s.logger.Info("closing idle session", "idle", idle)
				s.Close()
				return
			}
			if s.rotateLog != nil {
				if err := s.rotateLog(); err != nil {
					s.logger.Warn("failed to rotate session log", "error", err)
				}
			}
		}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// WriteInput writes raw bytes to the PTY, serialized against other raw
// writes (but not against run_command, which bypasses this lock).
func (s *Session) WriteInput(p []byte) {
	s.input.Lock()
	s.backend.Write(p)
	s.input.Unlock()
	s.touch()
}

// SetTUIActive marks whether a WebSocket client is attached.
func (s *Session) SetTUIActive(active bool) {
	s.mu.Lock()
	s.tuiActive = active
	s.mu.Unlock()
}

// ClearScreen writes a clear-screen escape sequence and clears the buffer.
func (s *Session) ClearScreen() {
	s.backend.Write([]byte("\x1b[2J\x1b[H"))
	s.buf.Clear()
	s.touch()
}

// ResetTerminal writes a full terminal reset and clears the buffer.
func (s *Session) ResetTerminal() {
	s.backend.Write([]byte("\x1bc"))
	s.buf.Clear()
	s.touch()
}

// Resize clamps rows/cols to at least 1, updates stored dimensions, and
// propagates to the PTY. The next render uses the new size.
func (s *Session) Resize(rows, cols int) {
	if rows < 1 {
		rows = 1
	}
	if cols < 1 {
		cols = 1
	}
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	s.mu.Unlock()
	s.backend.Resize(ptybackend.Size{Rows: uint16(rows), Cols: uint16(cols)})
}

func (s *Session) dims() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// GetOutput returns the last n lines, either from the lossily-cleaned
// buffer (raw=true) or the stateless rendered screen (raw=false).
func (s *Session) GetOutput(n int, raw bool) string {
	s.touch()
	data := s.buf.GetBytes()
	if raw {
		cleaned := termrender.Clean(data)
		lines := strings.Split(cleaned, "\n")
		if n > 0 && n < len(lines) {
			lines = lines[len(lines)-n:]
		}
		return strings.Join(lines, "\n")
	}
	rows, cols := s.dims()
	return strings.Join(termrender.RenderLast(data, rows, cols, n), "\n")
}

// BufferCursor returns the current write cursor, for a reader about to
// stream "everything from now on" via ReadSince.
func (s *Session) BufferCursor() int64 {
	return s.buf.Cursor()
}

// ReadSince returns the raw PTY bytes appended after cursor, plus the
// cursor to use on the next call. The WebSocket push loop and the SSE
// endpoint both stream deltas through this.
func (s *Session) ReadSince(cursor int64) ([]byte, int64) {
	return s.buf.GetSince(cursor)
}

// RawHistory returns the buffer's full current contents, the payload a
// WebSocket client's load_history request rehydrates its emulator from.
func (s *Session) RawHistory() []byte {
	s.touch()
	return s.buf.GetBytes()
}

// BufferTail returns the last n lines of the raw (uncleaned) buffer,
// the shape the stream-to-file append mode compares against, not the
// lossily-cleaned or rendered view GetOutput produces.
func (s *Session) BufferTail(n int) []string {
	s.touch()
	return strings.Split(s.buf.GetLast(n), "\n")
}

// Interrupt sends Ctrl-C (0x03) to the PTY.
func (s *Session) Interrupt() {
	s.backend.Write([]byte{0x03})
}

// SendSigterm delivers SIGTERM to the shell's process group.
func (s *Session) SendSigterm() { s.backend.Signal(true) }

// SendSigkill delivers SIGKILL to the shell's process group.
func (s *Session) SendSigkill() { s.backend.Signal(false) }

// RunCommand executes one command through the injected helper and
// captures its output and exit code: reject if a run is already in
// flight, write the marker-wrapped invocation, wait for the BEGIN
// marker, accumulate until the END marker or the deadline.
func (s *Session) RunCommand(ctx context.Context, cmd string, timeout time.Duration) RunResult {
	if !s.run.TryAcquire() {
		return RunResult{Status: "busy", RunningCmd: s.getCurrentRunCmd()}
	}
	defer s.run.Release()

	s.setCurrentRunCmd(cmd)
	defer s.setCurrentRunCmd("")
	s.touch()

	s.mu.Lock()
	injected := s.helperInjected
	s.mu.Unlock()
	if !injected {
		s.injectHelper()
	}

	token := newToken()
	cursor := s.buf.Cursor()
	inv := s.cap.Invocation(cmd, token) + s.cap.Newline()
	s.backend.Write([]byte(inv))

	deadline := time.Now().Add(timeout)
	beginMarker := []byte(fmt.Sprintf("__SILC_BEGIN_%s__", token))
	endPrefix := []byte(fmt.Sprintf("__SILC_END_%s__:", token))

	var accumulator []byte
	waitingBegin := true

	for {
		if time.Now().After(deadline) {
			return RunResult{
				Status: "timeout",
				Output: termrender.Clean(accumulator),
				Error:  fmt.Sprintf("Command did not complete in %ds", int(timeout.Seconds())),
			}
		}

		chunk, newCursor := s.buf.GetSince(cursor)
		cursor = newCursor
		if len(chunk) > 0 {
			accumulator = append(accumulator, chunk...)
		}

		if len(accumulator) > maxRunOutputBytes {
			s.Interrupt()
			return RunResult{Status: "error", Error: "output exceeded 5MB"}
		}

		if waitingBegin {
			if idx := bytes.Index(accumulator, beginMarker); idx >= 0 {
				rest := accumulator[idx+len(beginMarker):]
				accumulator = trimLeadingEOL(rest)
				waitingBegin = false
			} else {
				if len(accumulator) > len(beginMarker) {
					accumulator = accumulator[len(accumulator)-len(beginMarker):]
				}
				time.Sleep(pollInterval)
				continue
			}
		}

		if idx := bytes.Index(accumulator, endPrefix); idx >= 0 {
			after := accumulator[idx+len(endPrefix):]
			eol := bytes.IndexAny(after, "\r\n")
			var codeBytes []byte
			if eol < 0 {
				codeBytes = after
			} else {
				codeBytes = after[:eol]
			}
			exitCode := parseLeadingInt(codeBytes)

			raw := accumulator[:idx]
			out := termrender.StripOSC(string(raw))
			out = normalizeNewlines(out)
			out = termrender.StripMarkerLines(out)
			out = termrender.Clean([]byte(out))
			out = strings.TrimSpace(out)

			return RunResult{Status: "completed", Output: out, ExitCode: exitCode}
		}

		time.Sleep(pollInterval)
	}
}

func trimLeadingEOL(b []byte) []byte {
	for len(b) > 0 && (b[0] == '\r' || b[0] == '\n') {
		b = b[1:]
	}
	return b
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func parseLeadingInt(b []byte) int {
	n := 0
	found := false
	for _, c := range b {
		if c < '0' || c > '9' {
			break
		}
		found = true
		n = n*10 + int(c-'0')
	}
	if !found {
		return 0
	}
	return n
}

func (s *Session) getCurrentRunCmd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRunCmd
}

func (s *Session) setCurrentRunCmd(cmd string) {
	s.mu.Lock()
	s.currentRunCmd = cmd
	s.mu.Unlock()
}

// LastAccessTime returns when a read- or write-path API call last
// touched this session, for the daemon's registry-level idle sweep.
func (s *Session) LastAccessTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Alive reports whether the read loop is still running.
func (s *Session) Alive() bool {
	return s.alive.get()
}

// GetStatus returns the status snapshot for GET /status.
func (s *Session) GetStatus() Status {
	s.mu.Lock()
	idle := time.Since(s.lastAccess)
	s.mu.Unlock()

	rows, cols := s.dims()
	lines := termrender.RenderLast(s.buf.GetBytes(), rows, cols, 1)
	lastLine := ""
	if len(lines) > 0 {
		lastLine = lines[len(lines)-1]
	}
	// Heuristic: a ":?" or "]" suffix usually means an interactive
	// prompt is pending. Dialect-blind; PowerShell prompts can false-
	// positive on "]".
	trimmed := strings.TrimSpace(lastLine)
	waiting := strings.HasSuffix(trimmed, ":?") || strings.HasSuffix(trimmed, "]")

	return Status{
		SessionID:       s.SessionID,
		Port:            s.Port,
		Alive:           s.Alive(),
		IdleSeconds:     idle.Seconds(),
		WaitingForInput: waiting,
		LastLine:        lastLine,
		RunLocked:       s.run.Held(),
	}
}

// Close gracefully tears the session down: cancels the read and GC
// loops, kills the PTY, and awaits each task with a 1s bound. Idempotent.
func (s *Session) Close() { s.teardown(closeBound) }

// ForceKill is Close with a 0.5s bound on each step instead of 1s.
func (s *Session) ForceKill() { s.teardown(forceCloseBound) }

func (s *Session) teardown(bound time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	closeOnce(s.cancelGC)
	waitBounded(s.gcDone, bound)

	closeOnce(s.cancelRead)
	s.backend.Kill()
	waitBounded(s.readDone, bound)

	if s.onClosed != nil {
		s.onClosed(s)
	}
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func waitBounded(done chan struct{}, bound time.Duration) {
	select {
	case <-done:
	case <-time.After(bound):
	}
}

// Closed reports whether Close/ForceKill has run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
