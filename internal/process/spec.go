package process

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Spec describes how to launch the game server.
type Spec struct {
	Name       string   `json:"name"`
	Executable string   `json:"executable"`
	Args       []string `json:"args"`
	WorkDir    string   `json:"work_dir"`
	// Env is the complete environment of the child. Nil inherits the daemon's.
	Env     []string `json:"env"`
	PIDFile string   `json:"pid_file"`
}

// Validate checks the working directory and resolves the executable.
// It returns the path that will be executed.
func (s Spec) Validate() (string, error) {
	if strings.TrimSpace(s.Executable) == "" {
		return "", fmt.Errorf("executable is required")
	}
	if s.WorkDir != "" {
		fi, err := os.Stat(s.WorkDir)
		if err != nil {
			return "", fmt.Errorf("work dir: %w", err)
		}
		if !fi.IsDir() {
			return "", fmt.Errorf("work dir %s is not a directory", s.WorkDir)
		}
	}

	exe := s.Executable
	// Paths like "./start.sh" are relative to the working directory, bare
	// names are searched in PATH.
	if strings.ContainsRune(exe, filepath.Separator) || strings.ContainsRune(exe, '/') {
		if !filepath.IsAbs(exe) && s.WorkDir != "" {
			exe = filepath.Join(s.WorkDir, exe)
		}
	}
	resolved, err := exec.LookPath(exe)
	if err != nil {
		return "", fmt.Errorf("resolve executable %q: %w", s.Executable, err)
	}
	// exec.Cmd evaluates a relative Path against Dir, which was already applied.
	if abs, err := filepath.Abs(resolved); err == nil {
		resolved = abs
	}
	return resolved, nil
}

// CommandLine renders the spec for logs.
func (s Spec) CommandLine() string {
	if len(s.Args) == 0 {
		return s.Executable
	}
	return s.Executable + " " + strings.Join(s.Args, " ")
}
