package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{errors.New("plain"), ExitFailure},
		{New(KindInvalidTransition, "stop", "not running"), ExitInvalidTransition},
		{New(KindTimeout, "stop", "still alive"), ExitTimeout},
		{Wrap(KindSpawn, "start", errors.New("exec format error")), ExitIO},
		{Backup(ReasonArchiveWrite, "backup", errors.New("disk full")), ExitIO},
		{New(KindCrash, "start", "exited with 1"), ExitCrash},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ExitCode(c.err), "%v", c.err)
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	base := Backup(ReasonSourceNotFound, "backup", errors.New("stat world: no such file"))
	wrapped := fmt.Errorf("scheduled backup: %w", base)

	assert.Equal(t, KindBackup, KindOf(wrapped))
	assert.Equal(t, ReasonSourceNotFound, ReasonOf(wrapped))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindBackup}))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindBackup, Reason: ReasonSourceNotFound}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindBackup, Reason: ReasonArchiveWrite}))
}

func TestSentinelUnwrap(t *testing.T) {
	err := Wrap(KindInvalidTransition, "stop", ErrNotRunning)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.Contains(t, err.Error(), "stop: invalid_transition")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindInvalidTransition))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(KindTimeout))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindBackup))
}
