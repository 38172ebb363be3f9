// Package persistence implements the daemon's on-disk bookkeeping
// (the PID file, the session manifest, and per-session log rotation),
// all rooted at the directory internal/config resolves.
//
// Directories are created with MkdirAll 0700 under the path
// internal/config resolves. sessions.json is a plain JSON record
// keyed by port/name/shell metadata; no secret storage is involved,
// so there's no keyring dependency here.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SessionRecord is one entry in sessions.json: enough to resurrect a
// session's bookkeeping across a daemon restart. The shell process
// itself is not preserved; resurrection starts a fresh one.
type SessionRecord struct {
	Port      int       `json:"port"`
	Name      string    `json:"name"`
	SessionID string    `json:"session_id"`
	Shell     string    `json:"shell"`
	Cwd       string    `json:"cwd"`
	IsGlobal  bool      `json:"is_global"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps a data directory with the files SILC persists into it.
// Log files live under <data>/logs, falling back to the data directory
// itself if the subdirectory cannot be created.
type Store struct {
	dir     string
	logsDir string
}

// New wraps dataDir, which must already exist (internal/config.DataDir
// creates it).
func New(dataDir string) *Store {
	logsDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsDir, 0700); err != nil {
		logsDir = dataDir
	}
	return &Store{dir: dataDir, logsDir: logsDir}
}

// Dir returns the root data directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) PidFilePath() string      { return filepath.Join(s.dir, "daemon.pid") }
func (s *Store) DaemonLogPath() string    { return filepath.Join(s.logsDir, "daemon.log") }
func (s *Store) SessionsFilePath() string { return filepath.Join(s.dir, "sessions.json") }
func (s *Store) SessionLogPath(port int) string {
	return filepath.Join(s.logsDir, fmt.Sprintf("session_%d.log", port))
}

// WritePidFile writes the current process's PID, truncating any
// existing file.
func (s *Store) WritePidFile(pid int) error {
	return os.WriteFile(s.PidFilePath(), []byte(strconv.Itoa(pid)), 0600)
}

// ReadPidFile returns the PID recorded in the pid file, or 0 if it does
// not exist or is malformed.
func (s *Store) ReadPidFile() (int, error) {
	data, err := os.ReadFile(s.PidFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, nil
	}
	return pid, nil
}

// RemovePidFile deletes the pid file if present.
func (s *Store) RemovePidFile() error {
	err := os.Remove(s.PidFilePath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadSessions reads sessions.json, returning an empty slice if it
// does not exist.
func (s *Store) LoadSessions() ([]SessionRecord, error) {
	data, err := os.ReadFile(s.SessionsFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("persistence: read sessions.json: %w", err)
	}
	var records []SessionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("persistence: parse sessions.json: %w", err)
	}
	return records, nil
}

// SaveSessions overwrites sessions.json with records.
func (s *Store) SaveSessions(records []SessionRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: marshal sessions.json: %w", err)
	}
	return os.WriteFile(s.SessionsFilePath(), data, 0600)
}

// UpsertSession appends rec to sessions.json, replacing any existing
// record that matches on port or name.
func (s *Store) UpsertSession(rec SessionRecord) error {
	records, err := s.LoadSessions()
	if err != nil {
		return err
	}
	replaced := false
	for i, r := range records {
		if r.Port == rec.Port || (rec.Name != "" && r.Name == rec.Name) {
			records[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec)
	}
	return s.SaveSessions(records)
}

// RemoveSession deletes the record for port, if present.
func (s *Store) RemoveSession(port int) error {
	records, err := s.LoadSessions()
	if err != nil {
		return err
	}
	out := records[:0]
	for _, r := range records {
		if r.Port != port {
			out = append(out, r)
		}
	}
	return s.SaveSessions(out)
}

// maxLogLines bounds how much of a session's log is kept resident
// across a rotation.
const maxLogLines = 1000

// RotateSessionLog truncates the log at port down to its last
// maxLogLines lines, used by the session GC loop instead of closing an
// idle-but-attached session.
func (s *Store) RotateSessionLog(port int) error {
	return rotateLinesFile(s.SessionLogPath(port))
}

// RotateDaemonLog truncates daemon.log to its last maxLogLines lines,
// called from the daemon's own GC loop tick.
func (s *Store) RotateDaemonLog() error {
	return rotateLinesFile(s.DaemonLogPath())
}

func rotateLinesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("persistence: read log: %w", err)
	}
	lines := strings.Split(string(data), "\n")
	if len(lines) <= maxLogLines {
		return nil
	}
	trimmed := strings.Join(lines[len(lines)-maxLogLines:], "\n")
	return os.WriteFile(path, []byte(trimmed), 0600)
}

// OpenSessionLog opens (creating if necessary) the append-mode log file
// for a session's read loop to write PTY output into.
func (s *Store) OpenSessionLog(port int) (*os.File, error) {
	return os.OpenFile(s.SessionLogPath(port), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}

// DeleteSessionLog removes a session's log file, the final step of
// per-session cleanup. Absence is not an error.
func (s *Store) DeleteSessionLog(port int) error {
	err := os.Remove(s.SessionLogPath(port))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
