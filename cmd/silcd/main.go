// Command silcd is the SILC daemon entrypoint: a cobra CLI exposing
// run/start/stop/restart/status subcommands around internal/daemon.
//
// The root command has one subcommand per verb, each RunE returning an
// error cobra prints and turns into a nonzero exit. start re-execs
// itself detached via Setsid, writes a PID file, and waits for control-
// plane liveness; stop asks the control plane to shut down (sending
// SIGTERM directly if it is unreachable) and escalates to SIGKILL if the
// process is still alive after 10s.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/silc-project/silcd/internal/config"
	"github.com/silc-project/silcd/internal/daemon"
	"github.com/silc-project/silcd/internal/persistence"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "silcd",
		Short:   "PTY session daemon",
		Version: Version,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground (used internally by start)",
		RunE:  runForeground,
	}
	rootCmd.AddCommand(runCmd)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon detached from the terminal",
		RunE:  runStart,
	}
	rootCmd.AddCommand(startCmd)

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop the daemon and every session it owns",
		RunE:  runStop,
	}
	stopCmd.Flags().Bool("force", false, "kill instead of a graceful shutdown")
	rootCmd.AddCommand(stopCmd)

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop then start the daemon",
		RunE:  runRestart,
	}
	rootCmd.AddCommand(restartCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore() (*persistence.Store, error) {
	dir, err := config.DataDir()
	if err != nil {
		return nil, err
	}
	return persistence.New(dir), nil
}

// runForeground is what "run" and the detached "start" child both
// execute: it builds the Daemon, starts it, resurrects any sessions
// recorded from a prior run, and blocks until SIGINT/SIGTERM.
func runForeground(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(store.DaemonLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("silcd: open daemon log: %w", err)
	}
	defer logFile.Close()

	logger := slog.New(newBracketHandler(logFile, slog.LevelInfo))
	slog.SetDefault(logger)

	if config.Token() == "" {
		logger.Warn("SILC_API_TOKEN is not set; only loopback clients will be distinguishable from remote ones")
	}

	d := daemon.New(daemon.Config{
		Logger:   logger,
		Store:    store,
		Defaults: config.Load(store.Dir()),
		Token:    config.Token(),
	})
	if err := d.Start(); err != nil {
		return err
	}

	if results := d.Resurrect(); len(results) > 0 {
		logger.Info("resurrected sessions from prior run", "count", len(results))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	d.Shutdown()
	return nil
}

// runStart re-execs the current binary as "run", detached from the
// controlling terminal via Setsid, then waits for the control-plane
// port to come up before returning.
func runStart(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	if pid, _ := store.ReadPidFile(); pid != 0 && processAlive(pid) {
		fmt.Printf("daemon already running (pid %d)\n", pid)
		return nil
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("silcd: find executable: %w", err)
	}

	child := exec.Command(exePath, "run")
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	child.Stdin = nil
	child.Stdout = nil
	child.Stderr = nil
	if err := child.Start(); err != nil {
		return fmt.Errorf("silcd: start daemon: %w", err)
	}
	child.Process.Release()

	for i := 0; i < 50; i++ {
		if controlPlaneUp() {
			pid, _ := store.ReadPidFile()
			fmt.Printf("daemon started (pid %d)\n", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("silcd: daemon did not come up within 5s")
}

// runStop sends /shutdown (or /killall with --force) to the control
// plane, then waits for the daemon process to exit.
func runStop(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	pid, _ := store.ReadPidFile()
	if pid == 0 || !processAlive(pid) {
		fmt.Println("daemon is not running")
		store.RemovePidFile()
		return nil
	}

	force, _ := cmd.Flags().GetBool("force")
	path := "/shutdown"
	if force {
		path = "/killall"
	}
	if err := postControlPlane(path); err != nil {
		fmt.Fprintf(os.Stderr, "control plane unreachable (%v), sending SIGTERM directly\n", err)
		syscall.Kill(pid, syscall.SIGTERM)
	}

	for i := 0; i < 100; i++ {
		if !processAlive(pid) {
			fmt.Printf("daemon stopped (was pid %d)\n", pid)
			store.RemovePidFile()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(os.Stderr, "daemon did not stop within 10s, sending SIGKILL")
	syscall.Kill(pid, syscall.SIGKILL)
	store.RemovePidFile()
	return nil
}

func runRestart(cmd *cobra.Command, args []string) error {
	if err := runStop(cmd, args); err != nil {
		return err
	}
	return runStart(cmd, args)
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	pid, _ := store.ReadPidFile()
	if pid == 0 || !processAlive(pid) {
		fmt.Println("daemon is not running")
		os.Exit(1)
	}
	fmt.Printf("daemon is running (pid %d)\n", pid)
	return nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func controlPlaneUp() bool {
	client := http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/sessions", config.DaemonPort))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

func postControlPlane(path string) error {
	client := http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://127.0.0.1:%d%s", config.DaemonPort, path), nil)
	if err != nil {
		return err
	}
	if token := config.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
