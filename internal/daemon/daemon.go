// Package daemon implements the singleton supervisor that owns
// every Session's lifecycle, the control-plane HTTP API, the
// socket-reservation protocol, bounded per-port cleanup, resurrection
// from sessions.json, and the hard-exit watchdog.
//
// It is a central struct holding state behind a mutex with a
// ticker-driven GC loop and Setup/Shutdown lifecycle methods, plus a
// PID file, stale-PID detection, and SIGINT/SIGTERM-then-watchdog
// shutdown mechanics for running detached as a background process.
package daemon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/silc-project/silcd/internal/authgate"
	"github.com/silc-project/silcd/internal/config"
	"github.com/silc-project/silcd/internal/persistence"
	"github.com/silc-project/silcd/internal/registry"
	"github.com/silc-project/silcd/internal/session"
	"github.com/silc-project/silcd/internal/sessionserver"
	"github.com/silc-project/silcd/internal/shellcap"
)

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)

const (
	idleTimeout          = 30 * time.Minute
	gcInterval           = 60 * time.Second
	shutdownBudget       = 30 * time.Second
	killallPerSession    = time.Second
	killallPerCleanup    = 2 * time.Second
	cleanupServerBound   = 2 * time.Second
	cleanupSessionBound  = 2 * time.Second
	shutdownWatchdogWait = 30 * time.Second
	killallWatchdogWait  = 250 * time.Millisecond
)

// Config configures a new Daemon.
type Config struct {
	Logger   *slog.Logger
	Store    *persistence.Store
	Defaults config.Defaults
	Token    string // control-plane + default session bearer token

	// DisableWatchdog skips the hard os.Exit scheduled after
	// /shutdown and /killall, for tests.
	DisableWatchdog bool
}

// sessionEntry is everything the daemon tracks per live session beyond
// the Session itself: its HTTP server, reserved socket, and log file.
type sessionEntry struct {
	sess     *session.Session
	srv      *sessionserver.Server
	listener net.Listener
	httpSrv  *http.Server
	logFile  *os.File
}

// Daemon is the singleton supervisor.
type Daemon struct {
	logger   *slog.Logger
	store    *persistence.Store
	reg      *registry.Registry
	defaults config.Defaults
	token    string
	watchdog bool

	mu      sync.Mutex
	entries map[int]*sessionEntry
	cleanup map[int]bool // ports with an in-flight cleanup

	controlMu sync.Mutex
	controlLn net.Listener
	controlSv *http.Server

	stopGC   chan struct{}
	stopOnce sync.Once
}

// New constructs a Daemon. It does not touch the filesystem or bind
// any socket; call Start for that.
func New(cfg Config) *Daemon {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		logger:   logger,
		store:    cfg.Store,
		reg:      registry.New(),
		defaults: cfg.Defaults,
		token:    cfg.Token,
		watchdog: !cfg.DisableWatchdog,
		entries:  make(map[int]*sessionEntry),
		cleanup:  make(map[int]bool),
		stopGC:   make(chan struct{}),
	}
}

// Start enforces the singleton contract (abort if the PID file names a
// live process), writes the daemon's own PID, binds the control-plane
// listener on config.DaemonPort, serves it in the background, and
// starts the GC loop. Callers are expected to have already installed
// their own SIGINT/SIGTERM handling around Shutdown/Killall.
func (d *Daemon) Start() error {
	pid, err := d.store.ReadPidFile()
	if err != nil {
		return fmt.Errorf("daemon: read pid file: %w", err)
	}
	if pid != 0 && processAlive(pid) {
		return fmt.Errorf("daemon: already running (pid %d); use shutdown/killall", pid)
	}
	if pid != 0 {
		d.logger.Warn("removing stale pid file", "pid", pid)
		d.store.RemovePidFile()
	}
	if err := d.store.WritePidFile(os.Getpid()); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", config.DaemonPort))
	if err != nil {
		d.store.RemovePidFile()
		return fmt.Errorf("daemon: bind control plane: %w", err)
	}
	d.controlLn = ln
	d.controlSv = &http.Server{Handler: d.ControlHandler()}
	go d.controlSv.Serve(ln)

	go d.gcLoop()

	d.logger.Info("daemon started", "pid", os.Getpid(), "port", config.DaemonPort)
	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// ControlHandler returns the routed, token-gated control-plane handler.
func (d *Daemon) ControlHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", d.handleCreateSession)
	mux.HandleFunc("GET /sessions", d.handleListSessions)
	mux.HandleFunc("GET /resolve/{name}", d.handleResolve)
	mux.HandleFunc("POST /sessions/{port}/close", d.handlePortClose)
	mux.HandleFunc("POST /sessions/{port}/kill", d.handlePortKill)
	mux.HandleFunc("POST /sessions/{port}/restart", d.handlePortRestart)
	mux.HandleFunc("POST /shutdown", d.handleShutdown)
	mux.HandleFunc("POST /killall", d.handleKillall)
	mux.HandleFunc("POST /restart-server", d.handleRestartServer)
	mux.HandleFunc("POST /resurrect", d.handleResurrect)
	return authgate.Middleware(d.token, mux)
}

// --- session creation ---------------------------------------------------

type createSessionRequest struct {
	Name     string `json:"name"`
	Shell    string `json:"shell"`
	Cwd      string `json:"cwd"`
	Port     int    `json:"port"`
	IsGlobal bool   `json:"is_global"`
	APIToken string `json:"api_token"`
	Rows     int    `json:"rows"`
	Cols     int    `json:"cols"`
}

func (d *Daemon) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	rec, err := d.CreateSession(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, rec)
}

// CreateSession validates req, reserves a socket, spawns the session
// and its HTTP server, and persists the registry entry. It is the
// implementation behind POST /sessions and /resurrect.
func (d *Daemon) CreateSession(req createSessionRequest) (persistence.SessionRecord, error) {
	name := req.Name
	if name == "" {
		name = GenerateName(d.reg.NameExists)
	} else if !nameRe.MatchString(name) || len(name) < 2 {
		return persistence.SessionRecord{}, fmt.Errorf("invalid session name %q: must match %s", name, nameRe.String())
	} else if d.reg.NameExists(name) {
		return persistence.SessionRecord{}, fmt.Errorf("session name %q already exists", name)
	}

	shellKind := shellcap.Kind(req.Shell)
	if shellKind == "" {
		shellKind = shellcap.Bash
	}

	rows, cols := req.Rows, req.Cols
	if rows <= 0 {
		rows = d.defaults.Rows
	}
	if cols <= 0 {
		cols = d.defaults.Cols
	}
	shellPath, shellArgs, err := resolveShell(shellKind)
	if err != nil {
		return persistence.SessionRecord{}, err
	}

	port := req.Port
	if port == 0 {
		p, err := d.pickPort()
		if err != nil {
			return persistence.SessionRecord{}, err
		}
		port = p
	} else if port < config.SessionPortRangeStart || port >= config.SessionPortRangeEnd {
		return persistence.SessionRecord{}, fmt.Errorf("port %d outside allowed range [%d, %d)", port, config.SessionPortRangeStart, config.SessionPortRangeEnd)
	}

	ln, err := d.reserveSocket(port, req.IsGlobal)
	if err != nil {
		return persistence.SessionRecord{}, fmt.Errorf("port %d unavailable: %w", port, err)
	}

	if req.IsGlobal {
		d.logger.Warn("session bound on all interfaces (RCE exposure)", "port", port, "name", name)
	}

	logFile, err := d.store.OpenSessionLog(port)
	if err != nil {
		ln.Close()
		return persistence.SessionRecord{}, fmt.Errorf("daemon: open session log: %w", err)
	}

	token := req.APIToken
	if token == "" {
		token = d.token
	}
	sessLogger := d.logger.With("port", port, "session", name)
	sess := session.New(session.Config{
		Port:      port,
		Name:      name,
		Shell:     shellKind,
		Cwd:       req.Cwd,
		APIToken:  token,
		IsGlobal:  req.IsGlobal,
		Rows:      rows,
		Cols:      cols,
		LogWriter: logFile,
		Logger:    sessLogger,
		OnClosed:  d.onSessionClosed,
		RotateLog: func() error { return d.store.RotateSessionLog(port) },
	})

	if err := sess.Start(shellPath, shellArgs); err != nil {
		ln.Close()
		logFile.Close()
		return persistence.SessionRecord{}, fmt.Errorf("daemon: start session: %w", err)
	}

	srv := sessionserver.New(sess, token, d.store, sessLogger)
	srv.SetDefaultRunTimeout(d.defaults.RunCommandTimeout)
	httpSrv := &http.Server{Handler: srv.Handler()}
	go httpSrv.Serve(ln)

	d.mu.Lock()
	d.entries[port] = &sessionEntry{sess: sess, srv: srv, listener: ln, httpSrv: httpSrv, logFile: logFile}
	d.mu.Unlock()

	if !d.reg.Add(sess) {
		d.scheduleCleanup(port)
		return persistence.SessionRecord{}, fmt.Errorf("daemon: session name or port collision registering %q", name)
	}

	rec := persistence.SessionRecord{
		Port:      port,
		Name:      name,
		SessionID: sess.SessionID,
		Shell:     string(shellKind),
		Cwd:       req.Cwd,
		IsGlobal:  req.IsGlobal,
		CreatedAt: sess.CreatedAt,
	}
	if err := d.store.UpsertSession(rec); err != nil {
		d.logger.Warn("failed to persist session record", "port", port, "error", err)
	}

	d.logger.Info("session created", "port", port, "name", name, "shell", shellKind)
	return rec, nil
}

// reserveSocket binds the listening socket for a session before the
// session itself starts: the daemon owns the bind, never the session,
// so a port conflict surfaces before any shell is spawned.
func (d *Daemon) reserveSocket(port int, isGlobal bool) (net.Listener, error) {
	host := "127.0.0.1"
	if isGlobal {
		host = "0.0.0.0"
	}
	return net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
}

// pickPort finds the first available port in the session range by
// probing a bind-then-close on 127.0.0.1.
func (d *Daemon) pickPort() (int, error) {
	for p := config.SessionPortRangeStart; p < config.SessionPortRangeEnd; p++ {
		d.mu.Lock()
		_, taken := d.entries[p]
		d.mu.Unlock()
		if taken {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err != nil {
			continue
		}
		ln.Close()
		return p, nil
	}
	return 0, fmt.Errorf("daemon: no free port in [%d, %d)", config.SessionPortRangeStart, config.SessionPortRangeEnd)
}

// onSessionClosed is wired as the Session's OnClosed hook, so a
// session that closes itself (its own idle-GC loop) still triggers the
// daemon's full socket/registry/persistence cleanup instead of leaking
// the reserved port.
func (d *Daemon) onSessionClosed(s *session.Session) {
	d.scheduleCleanup(s.Port)
}

// --- listing / resolving -------------------------------------------------

func (d *Daemon) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := d.reg.ListAll()
	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		if !s.Alive() {
			d.scheduleCleanup(s.Port)
			continue
		}
		out = append(out, map[string]any{
			"port":       s.Port,
			"name":       s.Name,
			"session_id": s.SessionID,
			"shell":      s.ShellType,
			"is_global":  s.IsGlobal,
			"cwd":        s.Cwd,
			"created_at": s.CreatedAt,
		})
	}
	writeJSON(w, map[string]any{"sessions": out})
}

func (d *Daemon) handleResolve(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	s, ok := d.reg.GetByName(name)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"port":       s.Port,
		"name":       s.Name,
		"session_id": s.SessionID,
		"shell":      s.ShellType,
		"alive":      s.Alive(),
	})
}

// --- per-session lifecycle ------------------------------------------------

func (d *Daemon) handlePortClose(w http.ResponseWriter, r *http.Request) {
	port := intPathValue(r, "port")
	if _, ok := d.reg.Get(port); !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	d.cleanupPort(port)
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handlePortKill(w http.ResponseWriter, r *http.Request) {
	port := intPathValue(r, "port")
	d.mu.Lock()
	e, ok := d.entries[port]
	d.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	e.sess.ForceKill()
	d.cleanupPort(port)
	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) handlePortRestart(w http.ResponseWriter, r *http.Request) {
	port := intPathValue(r, "port")
	s, ok := d.reg.Get(port)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	req := createSessionRequest{
		Name:     s.Name,
		Shell:    string(s.ShellType),
		Cwd:      s.Cwd,
		Port:     port,
		IsGlobal: s.IsGlobal,
		APIToken: s.APIToken,
	}
	d.cleanupPort(port)

	rec, err := d.CreateSession(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

// cleanupPort runs the bounded per-session cleanup sequence
// synchronously, deduplicated against any other in-flight cleanup for
// the same port. Safe to call from a GC sweep, a control-plane
// handler, or the session's own OnClosed hook.
func (d *Daemon) cleanupPort(port int) {
	d.mu.Lock()
	if d.cleanup[port] {
		d.mu.Unlock()
		return
	}
	d.cleanup[port] = true
	e := d.entries[port]
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.cleanup, port)
		d.mu.Unlock()
	}()

	if e != nil && e.srv != nil {
		e.srv.StopStreams()
	}

	// Step 1+2: stop accepting and release the socket first, so the
	// port is free even if the server or session is wedged.
	if e != nil {
		withBound(cleanupServerBound, func() { e.httpSrv.Close() })
		withBound(cleanupServerBound, func() { e.listener.Close() })
	}

	// Step 4: close the session (bounded internally too).
	if e != nil {
		withBound(cleanupSessionBound, func() { e.sess.Close() })
	}

	// Step 5: defense-in-depth against a shell child that outlived the
	// PTY backend's own kill.
	withBound(cleanupServerBound, func() { killOrphanShellsOnPort(port) })

	// Step 6: registry + persistence + log.
	d.reg.Remove(port)
	if err := d.store.RemoveSession(port); err != nil {
		d.logger.Warn("failed to remove session record", "port", port, "error", err)
	}
	if err := d.store.DeleteSessionLog(port); err != nil {
		d.logger.Warn("failed to delete session log", "port", port, "error", err)
	}
	if e != nil && e.logFile != nil {
		e.logFile.Close()
	}

	d.mu.Lock()
	delete(d.entries, port)
	d.mu.Unlock()

	d.logger.Info("session cleaned up", "port", port)
}

// scheduleCleanup runs cleanupPort in the background, deduplicated
// against any cleanup already in flight for port.
func (d *Daemon) scheduleCleanup(port int) {
	d.mu.Lock()
	if d.cleanup[port] {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	go d.cleanupPort(port)
}

func withBound(bound time.Duration, fn func()) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(bound):
	}
}

// --- resurrect -------------------------------------------------------------

type resurrectOutcome struct {
	Name   string `json:"name"`
	Port   int    `json:"port"`
	Status string `json:"status"` // restored | relocated | failed
	Error  string `json:"error,omitempty"`
}

func (d *Daemon) handleResurrect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"results": d.Resurrect()})
}

// Resurrect recreates sessions recorded in sessions.json. Each entry is
// handled independently; a failure never aborts the batch.
func (d *Daemon) Resurrect() []resurrectOutcome {
	records, err := d.store.LoadSessions()
	if err != nil {
		d.logger.Error("resurrect: failed to load sessions.json", "error", err)
		return nil
	}

	var out []resurrectOutcome
	for _, rec := range records {
		if d.reg.NameExists(rec.Name) {
			continue
		}
		req := createSessionRequest{
			Name:     rec.Name,
			Shell:    rec.Shell,
			Cwd:      rec.Cwd,
			Port:     rec.Port,
			IsGlobal: rec.IsGlobal,
		}
		status := "restored"
		created, err := d.CreateSession(req)
		if err != nil {
			req.Port = 0 // relocate: let CreateSession pick a free port
			created, err = d.CreateSession(req)
			if err != nil {
				out = append(out, resurrectOutcome{Name: rec.Name, Port: rec.Port, Status: "failed", Error: err.Error()})
				continue
			}
			status = "relocated"
		}
		out = append(out, resurrectOutcome{Name: rec.Name, Port: created.Port, Status: status})
	}
	return out
}

// --- daemon-wide lifecycle --------------------------------------------------

func (d *Daemon) handleShutdown(w http.ResponseWriter, r *http.Request) {
	go d.Shutdown()
	w.WriteHeader(http.StatusAccepted)
}

// Shutdown gracefully closes every session within a fixed total budget,
// then stops the control-plane server. A watchdog hard-exits shortly
// after, in case the runtime is wedged.
func (d *Daemon) Shutdown() {
	d.logger.Info("shutdown requested")
	d.scheduleWatchdog(shutdownWatchdogWait, 0)

	deadline := time.Now().Add(shutdownBudget)
	for _, port := range d.allPorts() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			d.logger.Warn("shutdown budget exhausted, abandoning remaining sessions")
			break
		}
		withBound(remaining, func() { d.cleanupPort(port) })
	}

	d.stopOnce.Do(func() { close(d.stopGC) })
	d.stopControlPlane()
	d.store.RemovePidFile()
	d.logger.Info("shutdown complete")
}

func (d *Daemon) handleKillall(w http.ResponseWriter, r *http.Request) {
	go d.Killall()
	w.WriteHeader(http.StatusAccepted)
}

// Killall force-kills every session with a tight per-session budget,
// then stops the control plane. Used when graceful shutdown cannot be
// trusted to make progress.
func (d *Daemon) Killall() {
	d.logger.Info("killall requested")
	d.scheduleWatchdog(killallWatchdogWait, 1)

	for _, port := range d.allPorts() {
		d.mu.Lock()
		e := d.entries[port]
		d.mu.Unlock()
		if e != nil {
			withBound(killallPerSession, func() { e.sess.ForceKill() })
		}
		withBound(killallPerCleanup, func() { d.cleanupPort(port) })
	}

	d.stopOnce.Do(func() { close(d.stopGC) })
	d.stopControlPlane()
	d.store.RemovePidFile()
	d.logger.Info("killall complete")
}

func (d *Daemon) allPorts() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	ports := make([]int, 0, len(d.entries))
	for p := range d.entries {
		ports = append(ports, p)
	}
	return ports
}

func (d *Daemon) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	d.controlMu.Lock()
	defer d.controlMu.Unlock()

	if d.controlSv != nil {
		withBound(cleanupServerBound, func() { d.controlSv.Close() })
	}
	if d.controlLn != nil {
		d.controlLn.Close()
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", config.DaemonPort))
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to rebind control plane: %v", err), http.StatusInternalServerError)
		return
	}
	d.controlLn = ln
	d.controlSv = &http.Server{Handler: d.ControlHandler()}
	go d.controlSv.Serve(ln)

	w.WriteHeader(http.StatusNoContent)
}

func (d *Daemon) stopControlPlane() {
	d.controlMu.Lock()
	defer d.controlMu.Unlock()
	if d.controlSv != nil {
		withBound(cleanupServerBound, func() { d.controlSv.Close() })
	}
	if d.controlLn != nil {
		d.controlLn.Close()
	}
}

// scheduleWatchdog schedules a hard os.Exit(code) after delay, unless
// the daemon was constructed with DisableWatchdog (tests).
func (d *Daemon) scheduleWatchdog(delay time.Duration, code int) {
	if !d.watchdog {
		return
	}
	go func() {
		time.Sleep(delay)
		os.Exit(code)
	}()
}

// --- GC loop -----------------------------------------------------------

func (d *Daemon) gcLoop() {
	interval := gcInterval
	if d.defaults.GCInterval > 0 {
		interval = time.Duration(d.defaults.GCInterval) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	idle := idleTimeout
	if d.defaults.IdleTimeout > 0 {
		idle = time.Duration(d.defaults.IdleTimeout) * time.Second
	}

	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			for _, port := range d.reg.CleanupTimeout(idle) {
				d.logger.Info("gc: closing idle session", "port", port)
				d.scheduleCleanup(port)
			}
			if err := d.store.RotateDaemonLog(); err != nil {
				d.logger.Warn("failed to rotate daemon log", "error", err)
			}
		}
	}
}

// --- small helpers -------------------------------------------------------

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func intPathValue(r *http.Request, name string) int {
	var n int
	fmt.Sscanf(r.PathValue(name), "%d", &n)
	return n
}
