package manager

import (
	"time"

	"github.com/loykin/gamekeeper/internal/env"
	"github.com/loykin/gamekeeper/internal/logstream"
	"github.com/loykin/gamekeeper/internal/process"
)

// Settings configure how the server is launched and stopped. Changes made
// through UpdateSettings take effect on the next start.
type Settings struct {
	Spec process.Spec
	Env  *env.Env

	// StartupGrace bounds the wait for the ready marker.
	StartupGrace time.Duration
	// RequireReady turns a missing ready marker into a failed start.
	RequireReady bool
	// StopGrace is the default wait after the stop request.
	StopGrace    time.Duration
	TermWait     time.Duration
	KillWait     time.Duration
	RestartDelay time.Duration
	// StopCommands are written to the console to request a clean shutdown,
	// CommandInterval apart. When empty, or when stdin is gone, an interrupt
	// signal is sent instead.
	StopCommands    []string
	CommandInterval time.Duration
	// CommandTimeout bounds one console write from SendCommand.
	CommandTimeout time.Duration

	Patterns  logstream.Patterns
	TailLines int
}

func (s Settings) withDefaults() Settings {
	if s.StartupGrace <= 0 {
		s.StartupGrace = 60 * time.Second
	}
	if s.StopGrace <= 0 {
		s.StopGrace = 30 * time.Second
	}
	if s.TermWait <= 0 {
		s.TermWait = 2 * time.Second
	}
	if s.KillWait <= 0 {
		s.KillWait = 2 * time.Second
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = process.DefaultWriteTimeout
	}
	if s.RestartDelay < 0 {
		s.RestartDelay = 0
	}
	if s.TailLines <= 0 {
		s.TailLines = 1000
	}
	if s.Env == nil {
		s.Env = env.New(true)
	}
	return s
}
