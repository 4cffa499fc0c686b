package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the daemon's own structured log.
type SlogConfig struct {
	Level      Level  `mapstructure:"level"`
	Format     Format `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	Source     bool   `mapstructure:"source"`
}

// FileConfig describes rotating log files. Path is the daemon log; Dir holds
// the server console log (<Dir>/<name>.console.log) unless ConsolePath is set.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Path        string `mapstructure:"file"`
	Dir         string `mapstructure:"dir"`
	ConsolePath string `mapstructure:"console_file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// Config is the logging configuration of a gamekeeper daemon.
type Config struct {
	Slog SlogConfig
	File FileConfig
}

func (l Level) slogLevel() slog.Level {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

// NewHandler builds the slog handler for w.
func (c Config) NewHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     c.Slog.Level.slogLevel(),
		AddSource: c.Slog.Source,
	}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = dropTime
	}
	if c.Slog.Format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	if c.Slog.Color {
		return NewColorTextHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

// NewSlogger returns the daemon logger writing to stderr, and also to the
// rotating File.Path when set. The returned closer releases the file.
func (c Config) NewSlogger() (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if c.File.Path != "" {
		f := c.File.rotating(c.File.Path)
		w = io.MultiWriter(os.Stderr, f)
		closer = f
	}
	return slog.New(c.NewHandler(w)), closer
}

// ConsoleWriter returns the rotating writer for the raw console output of
// the named server, or nil when console logging is disabled.
func (c Config) ConsoleWriter(name string) io.WriteCloser {
	path := c.File.ConsolePath
	if path == "" && c.File.Dir != "" {
		path = filepath.Join(c.File.Dir, name+".console.log")
	}
	if path == "" {
		return nil
	}
	return c.File.rotating(path)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
