package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	d := Load(t.TempDir())
	want := DefaultDefaults()
	if d != want {
		t.Fatalf("got %+v, want %+v", d, want)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgJSON := `{"rows": 50, "idle_timeout": 600}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(cfgJSON), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	d := Load(dir)
	if d.Rows != 50 {
		t.Fatalf("rows = %d, want 50", d.Rows)
	}
	if d.IdleTimeout != 600 {
		t.Fatalf("idle timeout = %d, want 600", d.IdleTimeout)
	}
	// Unspecified fields keep their defaults.
	if d.Cols != DefaultDefaults().Cols {
		t.Fatalf("cols = %d, want default %d", d.Cols, DefaultDefaults().Cols)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	cfgJSON := `{"idle_timeout": 600}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(cfgJSON), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SILC_IDLE_TIMEOUT", "120")

	d := Load(dir)
	if d.IdleTimeout != 120 {
		t.Fatalf("idle timeout = %d, want env override 120", d.IdleTimeout)
	}
}

func TestLoadIgnoresMalformedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	d := Load(dir)
	if d != DefaultDefaults() {
		t.Fatalf("malformed file should fall back to defaults, got %+v", d)
	}
}

func TestLoadClampsNonPositiveValues(t *testing.T) {
	dir := t.TempDir()
	cfgJSON := `{"rows": -5, "gc_interval": 0}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(cfgJSON), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	d := Load(dir)
	if d.Rows != DefaultDefaults().Rows || d.GCInterval != DefaultDefaults().GCInterval {
		t.Fatalf("non-positive values should fall back to defaults, got %+v", d)
	}
}

func TestIsWritableDirRejectsReadOnly(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permission bits")
	}
	dir := filepath.Join(t.TempDir(), "ro")
	if err := os.MkdirAll(dir, 0500); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if isWritableDir(dir) {
		t.Fatal("expected a 0500 directory to fail the write probe")
	}
	if !isWritableDir(t.TempDir()) {
		t.Fatal("expected a fresh temp directory to pass the write probe")
	}
}

func TestDataDirFallsBackWhenDefaultUnwritable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("platform default is APPDATA-based on windows")
	}
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permission bits")
	}
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(DataDirEnv, "")

	locked := filepath.Join(home, ".silc")
	if err := os.MkdirAll(locked, 0500); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}
	if got == locked {
		t.Fatal("expected the unwritable platform default to be rejected")
	}
	if want := filepath.Join(os.TempDir(), "silc"); got != want {
		t.Fatalf("got %q, want tmpdir fallback %q", got, want)
	}
}

func TestDataDirHonorsEnvOverride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "custom-silc")
	t.Setenv(DataDirEnv, dir)

	got, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}
	if got != dir {
		t.Fatalf("got %q, want %q", got, dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected directory created: %v", err)
	}
}
