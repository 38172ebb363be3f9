package daemon

import (
	"fmt"
	"os/exec"

	"github.com/silc-project/silcd/internal/shellcap"
)

// defaultShellPaths gives each supported dialect a concrete executable
// to spawn when a PATH lookup of the dialect name fails.
var defaultShellPaths = map[shellcap.Kind]string{
	shellcap.Bash: "/bin/bash",
	shellcap.Zsh:  "/bin/zsh",
	shellcap.Sh:   "/bin/sh",
	shellcap.Cmd:  "cmd.exe",
	shellcap.Pwsh: "pwsh",
}

// resolveShell returns the executable path and args to spawn for kind,
// preferring a PATH lookup of the dialect's conventional binary name
// and falling back to the fixed path table above.
func resolveShell(kind shellcap.Kind) (string, []string, error) {
	name, ok := defaultShellPaths[kind]
	if !ok {
		return "", nil, fmt.Errorf("daemon: unsupported shell kind %q", kind)
	}
	if path, err := exec.LookPath(string(kind)); err == nil {
		name = path
	}
	return name, nil, nil
}
