package manager

import (
	"fmt"
	"time"
)

// State is the supervisor's view of the game server.
//
// Stopped -> Starting -> Running -> Stopping -> Stopped, and Starting or
// Running -> Crashed when the process dies without a stop request.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseState(v string) (State, error) {
	for st := StateStopped; st <= StateCrashed; st++ {
		if st.String() == v {
			return st, nil
		}
	}
	return StateStopped, fmt.Errorf("unknown state %q", v)
}

// hasProcess reports whether a spawned process belongs to the state.
func (s State) hasProcess() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Status is a consistent snapshot of the supervisor.
type Status struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	PID           int       `json:"pid"`
	Generation    uint64    `json:"generation"`
	Command       string    `json:"command"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	ReadyAt       time.Time `json:"ready_at,omitempty"`
	StoppedAt     time.Time `json:"stopped_at,omitempty"`
	Uptime        string    `json:"uptime,omitempty"`
	LastExitCode  *int      `json:"last_exit_code,omitempty"`
	Degraded      bool      `json:"degraded"`
	LastCrashLine string    `json:"last_crash_line,omitempty"`
	TailLines     int       `json:"tail_lines"`
}

// StopResult describes how a stop completed.
type StopResult struct {
	// Step is graceful, terminate or kill.
	Step     string `json:"step"`
	Forced   bool   `json:"forced"`
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exit_code"`
}
