package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/gamekeeper/internal/backup"
	"github.com/loykin/gamekeeper/internal/env"
	"github.com/loykin/gamekeeper/internal/logger"
	"github.com/loykin/gamekeeper/internal/logstream"
	"github.com/loykin/gamekeeper/internal/manager"
	"github.com/loykin/gamekeeper/internal/process"
)

// Default console markers of a vanilla Minecraft server.
var (
	DefaultReadyPatterns = []string{`Done \(.*\)! For help, type`}
	DefaultStopPatterns  = []string{`Stopping (the )?server`}
	DefaultCrashPatterns = []string{
		`Exception in server tick loop`,
		`Encountered an unexpected exception`,
		`This crash report has been saved to`,
	}
)

// Config represents the top-level TOML structure.
type Config struct {
	Server    ServerConfig       `mapstructure:"server"`
	Lifecycle LifecycleConfig    `mapstructure:"lifecycle"`
	Patterns  logstream.Patterns `mapstructure:"patterns"`
	Console   ConsoleConfig      `mapstructure:"console"`
	Backup    BackupConfig       `mapstructure:"backup"`
	Probe     ProbeConfig        `mapstructure:"probe"`
	Daemon    DaemonConfig       `mapstructure:"daemon"`
	History   HistoryConfig      `mapstructure:"history"`
	Log       LogConfig          `mapstructure:"log"`

	// path of the file the configuration was read from
	path string
}

type ServerConfig struct {
	Name           string   `mapstructure:"name"`
	Executable     string   `mapstructure:"executable"`
	Args           []string `mapstructure:"args"`
	WorkDir        string   `mapstructure:"work_dir"`
	Env            []string `mapstructure:"env"`
	EnvFiles       []string `mapstructure:"env_files"`
	InheritEnv     bool     `mapstructure:"inherit_env"`
	PIDFile        string   `mapstructure:"pid_file"`
	PropertiesFile string   `mapstructure:"properties_file"`
}

type LifecycleConfig struct {
	StartupGrace    time.Duration `mapstructure:"startup_grace"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
	TermWait        time.Duration `mapstructure:"term_wait"`
	KillWait        time.Duration `mapstructure:"kill_wait"`
	RestartDelay    time.Duration `mapstructure:"restart_delay"`
	RequireReady    bool          `mapstructure:"require_ready"`
	StopCommands    []string      `mapstructure:"stop_commands"`
	CommandInterval time.Duration `mapstructure:"command_interval"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
	AutoStart       bool          `mapstructure:"auto_start"`
}

type ConsoleConfig struct {
	TailLines  int    `mapstructure:"tail_lines"`
	LogFile    string `mapstructure:"log_file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type BackupConfig struct {
	Source       string        `mapstructure:"source"`
	Destination  string        `mapstructure:"destination"`
	Name         string        `mapstructure:"name"`
	Format       string        `mapstructure:"format"`
	Level        int           `mapstructure:"level"`
	Retention    int           `mapstructure:"retention"`
	Exclude      []string      `mapstructure:"exclude"`
	Schedule     string        `mapstructure:"schedule"`
	Consistency  string        `mapstructure:"consistency"`
	PreCommands  []string      `mapstructure:"pre_commands"`
	PostCommands []string      `mapstructure:"post_commands"`
	FlushDelay   time.Duration `mapstructure:"flush_delay"`
}

type ProbeConfig struct {
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
	// ExternalIPURL is a plain text IP echo service; empty skips the lookup.
	ExternalIPURL string `mapstructure:"external_ip_url"`
}

type DaemonConfig struct {
	Listen        string        `mapstructure:"listen"`
	BasePath      string        `mapstructure:"base_path"`
	Metrics       bool          `mapstructure:"metrics"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	TimeStamps bool   `mapstructure:"timestamps"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "minecraft")
	v.SetDefault("server.inherit_env", true)

	v.SetDefault("lifecycle.startup_grace", "60s")
	v.SetDefault("lifecycle.stop_grace", "30s")
	v.SetDefault("lifecycle.term_wait", "2s")
	v.SetDefault("lifecycle.kill_wait", "2s")
	v.SetDefault("lifecycle.restart_delay", "0s")
	v.SetDefault("lifecycle.stop_commands", []string{"save-all", "stop"})
	v.SetDefault("lifecycle.command_interval", "2s")
	v.SetDefault("lifecycle.command_timeout", "5s")

	v.SetDefault("patterns.ready", DefaultReadyPatterns)
	v.SetDefault("patterns.stop", DefaultStopPatterns)
	v.SetDefault("patterns.crash", DefaultCrashPatterns)

	v.SetDefault("console.tail_lines", 1000)

	v.SetDefault("backup.source", "world")
	v.SetDefault("backup.destination", "backups")
	v.SetDefault("backup.format", "tar.gz")
	v.SetDefault("backup.level", 6)
	v.SetDefault("backup.consistency", "flush")
	v.SetDefault("backup.pre_commands", []string{"save-off", "save-all"})
	v.SetDefault("backup.post_commands", []string{"save-on"})
	v.SetDefault("backup.flush_delay", "3s")

	v.SetDefault("probe.host", "127.0.0.1")
	v.SetDefault("probe.timeout", "3s")

	v.SetDefault("daemon.listen", "127.0.0.1:8425")
	v.SetDefault("daemon.base_path", "/api")
	v.SetDefault("daemon.metrics", true)
	v.SetDefault("daemon.shutdown_grace", "45s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.timestamps", true)
}

// Load reads a TOML configuration file. Environment variables prefixed with
// GAMEKEEPER_ override file values (GAMEKEEPER_DAEMON_LISTEN for daemon.listen).
// Relative paths are resolved against the server work directory, which is
// itself resolved against the directory of the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix("GAMEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	c.path = abs
	c.resolvePaths(filepath.Dir(abs))
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string { return c.path }

func (c *Config) resolvePaths(base string) {
	if c.Server.WorkDir == "" {
		c.Server.WorkDir = base
	}
	c.Server.WorkDir = under(base, c.Server.WorkDir)
	wd := c.Server.WorkDir
	if c.Server.PropertiesFile == "" {
		c.Server.PropertiesFile = "server.properties"
	}
	c.Server.PropertiesFile = under(wd, c.Server.PropertiesFile)
	if c.Server.PIDFile != "" {
		c.Server.PIDFile = under(wd, c.Server.PIDFile)
	}
	for i, f := range c.Server.EnvFiles {
		c.Server.EnvFiles[i] = under(base, f)
	}
	c.Backup.Source = under(wd, c.Backup.Source)
	c.Backup.Destination = under(wd, c.Backup.Destination)
	if c.Console.LogFile != "" {
		c.Console.LogFile = under(wd, c.Console.LogFile)
	}
	if c.Log.File != "" {
		c.Log.File = under(base, c.Log.File)
	}
	if d := c.History.DSN; d != "" {
		if rest, ok := strings.CutPrefix(d, "sqlite://"); ok && rest != ":memory:" {
			c.History.DSN = "sqlite://" + under(base, rest)
		} else if !strings.Contains(d, "://") {
			c.History.DSN = under(base, d)
		}
	}
}

func under(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Validate checks the values a server cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Name) == "" {
		return fmt.Errorf("server.name must not be empty")
	}
	if strings.TrimSpace(c.Server.Executable) == "" {
		return fmt.Errorf("server.executable is required")
	}
	if _, err := logstream.NewClassifier(c.Patterns); err != nil {
		return fmt.Errorf("patterns: %w", err)
	}
	if _, err := backup.ParseFormat(c.Backup.Format); err != nil {
		return fmt.Errorf("backup.format: %w", err)
	}
	if _, err := backup.ParsePolicy(c.Backup.Consistency); err != nil {
		return fmt.Errorf("backup.consistency: %w", err)
	}
	if c.Backup.Retention < 0 {
		return fmt.Errorf("backup.retention must not be negative")
	}
	if c.Probe.Port < 0 || c.Probe.Port > 65535 {
		return fmt.Errorf("probe.port %d out of range", c.Probe.Port)
	}
	if c.Console.TailLines < 0 {
		return fmt.Errorf("console.tail_lines must not be negative")
	}
	return nil
}

// ManagerSettings converts the configuration for the supervisor.
func (c *Config) ManagerSettings() manager.Settings {
	e := env.New(c.Server.InheritEnv).SetPairs(c.Server.Env)
	e.Files = append([]string(nil), c.Server.EnvFiles...)
	return manager.Settings{
		Spec: process.Spec{
			Name:       c.Server.Name,
			Executable: c.Server.Executable,
			Args:       append([]string(nil), c.Server.Args...),
			WorkDir:    c.Server.WorkDir,
			PIDFile:    c.Server.PIDFile,
		},
		Env:             e,
		StartupGrace:    c.Lifecycle.StartupGrace,
		RequireReady:    c.Lifecycle.RequireReady,
		StopGrace:       c.Lifecycle.StopGrace,
		TermWait:        c.Lifecycle.TermWait,
		KillWait:        c.Lifecycle.KillWait,
		RestartDelay:    c.Lifecycle.RestartDelay,
		StopCommands:    append([]string(nil), c.Lifecycle.StopCommands...),
		CommandInterval: c.Lifecycle.CommandInterval,
		CommandTimeout:  c.Lifecycle.CommandTimeout,
		Patterns:        c.Patterns,
		TailLines:       c.Console.TailLines,
	}
}

// LoggerConfig returns the daemon logging configuration.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.Level(c.Log.Level),
			Format:     logger.Format(c.Log.Format),
			Color:      c.Log.Color,
			TimeStamps: c.Log.TimeStamps,
		},
		File: logger.FileConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// ConsoleWriter opens the rotating console log, or returns nil when
// console.log_file is not set.
func (c *Config) ConsoleWriter() io.WriteCloser {
	lc := logger.Config{File: logger.FileConfig{
		ConsolePath: c.Console.LogFile,
		MaxSizeMB:   c.Console.MaxSizeMB,
		MaxBackups:  c.Console.MaxBackups,
		MaxAgeDays:  c.Console.MaxAgeDays,
		Compress:    c.Console.Compress,
	}}
	return lc.ConsoleWriter(c.Server.Name)
}

// BackupOptions returns the archive settings. Validate has checked the format.
func (c *Config) BackupOptions() backup.Options {
	format, _ := backup.ParseFormat(c.Backup.Format)
	return backup.Options{Format: format, Level: c.Backup.Level, Exclude: c.Backup.Exclude}
}

func (c *Config) BackupServiceConfig() backup.ServiceConfig {
	policy, _ := backup.ParsePolicy(c.Backup.Consistency)
	return backup.ServiceConfig{
		Server:       c.Server.Name,
		Source:       c.Backup.Source,
		Destination:  c.Backup.Destination,
		NameHint:     c.Backup.Name,
		Retention:    c.Backup.Retention,
		Policy:       policy,
		PreCommands:  c.Backup.PreCommands,
		PostCommands: c.Backup.PostCommands,
		FlushDelay:   c.Backup.FlushDelay,
	}
}

// ProbeTarget returns where the port probe connects. A zero probe.port falls
// back to server-port from server.properties, then to 25565.
func (c *Config) ProbeTarget() (string, int, time.Duration) {
	port := c.Probe.Port
	if port == 0 {
		if props, err := ReadServerProperties(c.Server.PropertiesFile); err == nil && props.ServerPort > 0 {
			port = props.ServerPort
		}
	}
	if port == 0 {
		port = 25565
	}
	return c.Probe.Host, port, c.Probe.Timeout
}

// Example writes a starter configuration to w.
func Example(w io.Writer) error {
	_, err := io.WriteString(w, exampleTOML)
	return err
}

// WriteExample creates path with the starter configuration unless it exists.
func WriteExample(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := Example(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

const exampleTOML = `[server]
name = "survival"
executable = "java"
args = ["-Xms1G", "-Xmx2G", "-jar", "server.jar", "nogui"]
work_dir = "."

[lifecycle]
startup_grace = "60s"
stop_grace = "30s"
stop_commands = ["save-all", "stop"]

[console]
tail_lines = 1000
log_file = "logs/console.log"

[backup]
source = "world"
destination = "backups"
format = "tar.gz"
retention = 10
exclude = ["**/session.lock"]
schedule = "@every 6h"
consistency = "flush"

[probe]
# port defaults to server-port from server.properties
# external_ip_url = "https://api.ipify.org"

[daemon]
listen = "127.0.0.1:8425"

[history]
dsn = "sqlite://gamekeeper-history.db"
`
