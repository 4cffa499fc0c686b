package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle or backup event.
type EventType string

const (
	EventStart   EventType = "start"
	EventReady   EventType = "ready"
	EventStop    EventType = "stop"
	EventCrash   EventType = "crash"
	EventBackup  EventType = "backup"
	EventRestore EventType = "restore"
)

// Event is one entry of the server's audit trail.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Server     string    `json:"server"`
	PID        int       `json:"pid"`
	Generation uint64    `json:"generation"`
	State      string    `json:"state"`
	// ExitCode is -1 when not applicable.
	ExitCode  int    `json:"exit_code"`
	Message   string `json:"message,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// NewEvent fills in ID and timestamp.
func NewEvent(t EventType, server string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Server:     server,
		ExitCode:   -1,
	}
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Querier is implemented by sinks that can read their events back.
type Querier interface {
	Recent(ctx context.Context, server string, limit int) ([]Event, error)
}

// Recorder fans events out to sinks. A failing sink is logged and does not
// affect the others.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sinks: sinks, timeout: 5 * time.Second, logger: logger}
}

func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	for _, s := range r.sinks {
		if err := s.Send(ctx, e); err != nil {
			r.logger.Warn("history sink failed", "type", e.Type, "error", err)
		}
	}
}

// Recent queries the first sink that supports reading.
func (r *Recorder) Recent(ctx context.Context, server string, limit int) ([]Event, error) {
	if r != nil {
		for _, s := range r.sinks {
			if q, ok := s.(Querier); ok {
				return q.Recent(ctx, server, limit)
			}
		}
	}
	return nil, ErrNotQueryable
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

var ErrNotQueryable = errors.New("no configured history sink supports queries")
