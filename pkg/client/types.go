package client

import "time"

// Response is the envelope every daemon endpoint replies with. Only the
// fields relevant to the endpoint are set.
type Response struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Reason  string `json:"reason,omitempty"`

	Status  *Status        `json:"status,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
	Stop    *StopResult    `json:"stop,omitempty"`
	Backup  *BackupRecord  `json:"backup,omitempty"`
	Backups []ArchiveInfo  `json:"backups,omitempty"`
	Restore *RestoreResult `json:"restore,omitempty"`
	Probe   *ProbeResult   `json:"probe,omitempty"`
	Events  []Event        `json:"events,omitempty"`
	Lines   []string       `json:"lines,omitempty"`
}

// Status represents the supervised server as seen by the daemon.
type Status struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
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

// Usage is the last resource sample of the server process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type StopResult struct {
	Step     string `json:"step"`
	Forced   bool   `json:"forced"`
	Exited   bool   `json:"exited"`
	ExitCode int    `json:"exit_code"`
}

type BackupRecord struct {
	ID          string    `json:"id"`
	SourcePath  string    `json:"source_path"`
	ArchivePath string    `json:"archive_path"`
	CreatedAt   time.Time `json:"created_at"`
	SizeBytes   int64     `json:"size_bytes"`
	FileCount   int       `json:"file_count"`
	Format      string    `json:"format"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
}

type ArchiveInfo struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	Format    string    `json:"format"`
}

type RestoreResult struct {
	Archive      string `json:"archive"`
	Target       string `json:"target"`
	FileCount    int    `json:"file_count"`
	PreviousPath string `json:"previous_path,omitempty"`
}

type ProbeResult struct {
	Host    string        `json:"host"`
	Port    int           `json:"port"`
	Outcome string        `json:"outcome"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latency"`

	Connection *ConnectionInfo `json:"connection,omitempty"`
}

// ConnectionInfo lists the addresses players connect to.
type ConnectionInfo struct {
	LocalIP         string `json:"local_ip"`
	LocalAddress    string `json:"local_address"`
	ExternalIP      string `json:"external_ip,omitempty"`
	ExternalAddress string `json:"external_address,omitempty"`
	ExternalError   string `json:"external_error,omitempty"`
}

// Event is one history entry.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Server     string    `json:"server"`
	PID        int       `json:"pid"`
	Generation uint64    `json:"generation"`
	State      string    `json:"state"`
	ExitCode   int       `json:"exit_code"`
	Message    string    `json:"message,omitempty"`
	SizeBytes  int64     `json:"size_bytes,omitempty"`
}
