package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Detector reports whether a server process is running outside of the
// handle that spawned it (for example, one left over by a previous daemon).
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns the pid of a live process, or 0 when none is found.
	Alive() (int, error)
	Describe() string
}

// Meta is stored on the second line of a pidfile.
type Meta struct {
	Server     string `json:"server,omitempty"`
	Generation uint64 `json:"generation,omitempty"`
	StartUnix  int64  `json:"start_unix,omitempty"`
}

// WritePIDFile records pid and meta at path. StartUnix is filled in when the
// caller leaves it zero so a reused pid can be told apart later.
func WritePIDFile(path string, pid int, meta Meta) error {
	if meta.StartUnix == 0 {
		meta.StartUnix = StartUnix(pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(mb) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile parses a pidfile. Files holding only a pid are accepted.
func ReadPIDFile(path string) (int, Meta, error) {
	var meta Meta
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, meta, err
	}
	first, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, meta, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if rest = strings.TrimSpace(rest); rest != "" {
		_ = json.Unmarshal([]byte(rest), &meta)
	}
	return pid, meta, nil
}

// PIDFileDetector finds a server through the pidfile written at spawn.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (int, error) {
	pid, meta, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if meta.StartUnix > 0 {
		if cur := StartUnix(pid); cur > 0 && cur != meta.StartUnix {
			// pid was reused by an unrelated process
			return 0, nil
		}
	}
	if !pidAlive(pid) {
		return 0, nil
	}
	return pid, nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }
