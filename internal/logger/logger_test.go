package logger

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestConsoleWriter_WithDirOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	w := cfg.ConsoleWriter("survival")
	if w == nil {
		t.Fatalf("expected console writer when Dir is set")
	}
	_, _ = w.Write([]byte("[Server thread/INFO]: Starting minecraft server\n"))
	closeIf(w)
	p := filepath.Join(dir, "survival.console.log")
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("console log not created at %s: %v", p, err)
	}
	if !strings.Contains(string(b), "Starting minecraft server") {
		t.Fatalf("unexpected console log content: %q", b)
	}
}

func TestConsoleWriter_ExplicitPathWins(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "explicit.log")
	cfg := Config{File: FileConfig{Dir: dir, ConsolePath: p}}
	w := cfg.ConsoleWriter("ignored-name")
	_, _ = w.Write([]byte("x"))
	closeIf(w)
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("explicit console path not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ignored-name.console.log")); err == nil {
		t.Fatalf("derived path must not be used when ConsolePath is set")
	}
}

func TestConsoleWriter_Disabled(t *testing.T) {
	if w := (Config{}).ConsoleWriter("n"); w != nil {
		t.Fatalf("expected nil writer without Dir or ConsolePath")
	}
}

func TestRotationDefaultsAndOverrides(t *testing.T) {
	w := Config{File: FileConfig{ConsolePath: "x"}}.ConsoleWriter("n")
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}

	w = Config{File: FileConfig{ConsolePath: "y", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}.ConsoleWriter("n")
	l = w.(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestNewHandler_JSONLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelWarn, Format: FormatJSON}}
	log := slog.New(cfg.NewHandler(&buf))
	log.Info("hidden")
	log.Warn("shown", "server", "survival")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not json: %v", err)
	}
	if rec["msg"] != "shown" || rec["server"] != "survival" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if _, ok := rec["time"]; ok {
		t.Fatalf("time must be dropped when TimeStamps is false")
	}
}

func TestNewHandler_Color(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Slog: SlogConfig{Level: LevelDebug, Color: true, TimeStamps: true}}
	log := slog.New(cfg.NewHandler(&buf)).With("component", "backup")
	log.Error("backup failed")
	out := buf.String()
	if !strings.Contains(out, "31m") || !strings.Contains(out, "ERROR") {
		t.Fatalf("expected red level prefix, got %q", out)
	}
	if !strings.Contains(out, "component=backup") || !strings.Contains(out, "time=") {
		t.Fatalf("missing attrs in %q", out)
	}
}

func TestNewSlogger_FileCopy(t *testing.T) {
	p := filepath.Join(t.TempDir(), "gamekeeper.log")
	cfg := Config{Slog: SlogConfig{Level: LevelInfo}, File: FileConfig{Path: p}}
	log, closer := cfg.NewSlogger()
	log.Info("daemon started")
	closeIf(closer)
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("daemon log missing: %v", err)
	}
	if !strings.Contains(string(b), "daemon started") {
		t.Fatalf("unexpected daemon log content: %q", b)
	}
}
