package errdefs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure so callers (CLI, HTTP API) can map it to an exit
// code or status without string matching.
type Kind string

const (
	KindSpawn             Kind = "spawn"
	KindInvalidTransition Kind = "invalid_transition"
	KindTimeout           Kind = "timeout"
	KindCrash             Kind = "crash"
	KindBackup            Kind = "backup"
	KindIO                Kind = "io"
)

// Reasons used with KindBackup.
const (
	ReasonSourceNotFound        = "source_not_found"
	ReasonDestinationUnwritable = "destination_unwritable"
	ReasonArchiveWrite          = "archive_write"
	ReasonCanceled              = "canceled"
	ReasonInvalidArchive        = "invalid_archive"
)

var (
	ErrAlreadyRunning = errors.New("server is already running")
	ErrNotRunning     = errors.New("server is not running")
)

// Error is the structured error returned by every supervisor operation.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by Kind (and Reason when the target sets one).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Backup(reason, op string, err error) *Error {
	return &Error{Kind: KindBackup, Op: op, Reason: reason, Err: err}
}

// KindOf reports the Kind of the first *Error in err's chain, or "" when none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf reports the Reason of the first *Error in err's chain.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// Process exit codes of the gamekeeper CLI.
const (
	ExitOK                = 0
	ExitFailure           = 1
	ExitInvalidTransition = 2
	ExitTimeout           = 3
	ExitIO                = 4
	ExitCrash             = 5
)

func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	return ExitCodeForKind(KindOf(err))
}

func ExitCodeForKind(k Kind) int {
	switch k {
	case KindInvalidTransition:
		return ExitInvalidTransition
	case KindTimeout:
		return ExitTimeout
	case KindSpawn, KindBackup, KindIO:
		return ExitIO
	case KindCrash:
		return ExitCrash
	default:
		return ExitFailure
	}
}

// HTTPStatus maps a Kind to the status code used by the API server.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidTransition:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCrash:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
