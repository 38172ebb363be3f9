// Package config resolves the daemon's data directory and runtime
// defaults.
//
// Configuration is loaded from:
// 1. <data>/config.json (file)
// 2. Environment variables (override file values)
//
// Environment variables:
//   - SILC_DATA_DIR: Override data directory (also the test seam)
//   - SILC_API_TOKEN: Bearer token for the control plane and new sessions
//   - SILC_IDLE_TIMEOUT: Seconds before the daemon's GC sweep reaps an
//     idle session (each session's own idle check stays at 30 minutes)
//   - SILC_GC_INTERVAL: Seconds between GC sweeps
//   - SILC_RUN_TIMEOUT: Default /run timeout when a client omits one
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// DataDirEnv is the environment variable that overrides the data
// directory.
const DataDirEnv = "SILC_DATA_DIR"

// TokenEnv, when set, is the bearer token new sessions and the daemon
// control plane require.
const TokenEnv = "SILC_API_TOKEN"

const (
	// DaemonPort is the daemon's fixed control-plane port.
	DaemonPort = 19999
	// SessionPortRangeStart is the first port a new session may bind.
	SessionPortRangeStart = 20000
	// SessionPortRangeEnd is one past the last port a new session may bind.
	SessionPortRangeEnd = 21000
)

// Defaults holds the runtime defaults a new session is created with.
type Defaults struct {
	Rows              int `json:"rows"`
	Cols              int `json:"cols"`
	IdleTimeout       int `json:"idle_timeout"`        // seconds
	GCInterval        int `json:"gc_interval"`         // seconds
	RunCommandTimeout int `json:"run_command_timeout"` // seconds, when a client omits one
}

// DefaultDefaults returns the built-in defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		Rows:              30,
		Cols:              120,
		IdleTimeout:       1800,
		GCInterval:        60,
		RunCommandTimeout: 30,
	}
}

// Load resolves the effective Defaults for the daemon.
// Priority: environment variables > <dataDir>/config.json > defaults.
// A missing or malformed config file is not an error.
func Load(dataDir string) Defaults {
	d := DefaultDefaults()
	if data, err := os.ReadFile(filepath.Join(dataDir, "config.json")); err == nil {
		json.Unmarshal(data, &d)
	}
	d.applyEnvOverrides()

	base := DefaultDefaults()
	if d.Rows <= 0 {
		d.Rows = base.Rows
	}
	if d.Cols <= 0 {
		d.Cols = base.Cols
	}
	if d.IdleTimeout <= 0 {
		d.IdleTimeout = base.IdleTimeout
	}
	if d.GCInterval <= 0 {
		d.GCInterval = base.GCInterval
	}
	if d.RunCommandTimeout <= 0 {
		d.RunCommandTimeout = base.RunCommandTimeout
	}
	return d
}

func (d *Defaults) applyEnvOverrides() {
	if v := os.Getenv("SILC_IDLE_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			d.IdleTimeout = n
		}
	}
	if v := os.Getenv("SILC_GC_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			d.GCInterval = n
		}
	}
	if v := os.Getenv("SILC_RUN_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			d.RunCommandTimeout = n
		}
	}
}

// DataDir returns the directory SILC stores daemon.pid, sessions.json,
// and the logs subdirectory in, creating it if necessary.
// Resolution order: SILC_DATA_DIR env var, then a platform default
// (~/.silc on POSIX, %APPDATA%\silc on Windows), then os.TempDir()/silc
// if the default cannot be determined or fails the write probe.
func DataDir() (string, error) {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return "", fmt.Errorf("config: could not create data directory: %w", err)
		}
		return dir, nil
	}

	if dir, err := platformDefaultDir(); err == nil && isWritableDir(dir) {
		return dir, nil
	}

	fallback := filepath.Join(os.TempDir(), "silc")
	if !isWritableDir(fallback) {
		return "", fmt.Errorf("config: no writable data directory (tried platform default and %s)", fallback)
	}
	return fallback, nil
}

// isWritableDir creates dir if needed and probes it with a real write,
// since MkdirAll on an existing directory succeeds regardless of its
// permission bits.
func isWritableDir(dir string) bool {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".silc_write_test")
	if err := os.WriteFile(probe, nil, 0600); err != nil {
		return false
	}
	os.Remove(probe)
	return true
}

func platformDefaultDir() (string, error) {
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "silc"), nil
		}
		return "", fmt.Errorf("config: APPDATA not set")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".silc"), nil
}

// Token returns the bearer token the daemon requires, or "" if none is
// configured (in which case only loopback callers are distinguishable
// from remote ones, and the daemon should log a warning rather than
// silently accepting all remote traffic).
func Token() string {
	return os.Getenv(TokenEnv)
}
