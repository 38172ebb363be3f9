package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// shellProcessNames are the command names killOrphanShellsOnPort treats
// as "looks like a shell", alongside the PID-owning-the-port match.
var shellProcessNames = map[string]bool{
	"bash": true, "zsh": true, "sh": true, "dash": true, "ksh": true,
	"pwsh": true, "powershell": true, "cmd.exe": true,
}

// killOrphanShellsOnPort runs during per-session cleanup: a child
// shell can occasionally outlive its PTY backend's own Kill (e.g. a
// detached grandchild that re-parented away from the killed process
// group). Best-effort and never fatal: any lookup failure is
// swallowed, matching the rest of cleanupPort's per-step tolerance
// for partial failure. Uses lsof -tiTCP on POSIX and netstat -ano on
// Windows to find the owning PID, ps/tasklist to check its name.
func killOrphanShellsOnPort(port int) {
	pids, err := findProcessOnPort(port)
	if err != nil {
		return
	}
	for _, pid := range pids {
		name := processCommandName(pid)
		if shellProcessNames[name] {
			killProcessByPID(pid)
		}
	}
}

func findProcessOnPort(port int) ([]int, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("netstat", "-ano")
	} else {
		cmd = exec.Command("lsof", "-tiTCP:"+strconv.Itoa(port), "-sTCP:LISTEN")
	}
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("find process on port %d: %w", port, err)
	}
	if runtime.GOOS == "windows" {
		return parseNetstatPIDs(string(output), port), nil
	}
	return parseLsofPIDs(string(output)), nil
}

func parseLsofPIDs(output string) []int {
	var pids []int
	for _, p := range strings.Split(strings.TrimSpace(output), "\n") {
		p = strings.TrimSpace(p)
		if pid, err := strconv.Atoi(p); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids
}

func parseNetstatPIDs(output string, port int) []int {
	var pids []int
	needle := fmt.Sprintf(":%d", port)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.Contains(line, needle) || !strings.Contains(strings.ToUpper(line), "LISTENING") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 5 {
			if pid, err := strconv.Atoi(fields[len(fields)-1]); err == nil && pid > 0 {
				pids = append(pids, pid)
			}
		}
	}
	return pids
}

// processCommandName returns the bare command name for pid (e.g. "bash",
// not "/bin/bash --login"), used to match against shellProcessNames.
func processCommandName(pid int) string {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/FO", "CSV", "/NH")
	} else {
		cmd = exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=")
	}
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	result := strings.TrimSpace(string(output))
	if runtime.GOOS == "windows" {
		parts := strings.Split(result, ",")
		if len(parts) >= 1 {
			return strings.Trim(parts[0], "\"")
		}
		return ""
	}
	if idx := strings.LastIndexByte(result, '/'); idx >= 0 {
		result = result[idx+1:]
	}
	return result
}

func killProcessByPID(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if runtime.GOOS == "windows" {
		return process.Kill()
	}
	return process.Signal(syscall.SIGTERM)
}
