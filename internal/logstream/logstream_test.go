package logstream

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var minecraft = Patterns{
	Ready: []string{`Done \(.*\)! For help, type`},
	Stop:  []string{`Stopping (the )?server`},
	Crash: []string{`Exception in server tick loop`, `(?i)this crash report has been saved`},
}

func waitDone(t *testing.T, r *Reader) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not finish")
	}
}

func TestClassifier(t *testing.T) {
	c, err := NewClassifier(minecraft)
	require.NoError(t, err)

	assert.Equal(t, KindReady, c.Classify(`[12:00:01] [Server thread/INFO]: Done (3.512s)! For help, type "help"`))
	assert.Equal(t, KindStop, c.Classify(`[12:30:00] [Server thread/INFO]: Stopping the server`))
	assert.Equal(t, KindCrash, c.Classify(`[12:31:00] [Server thread/ERROR]: Exception in server tick loop`))
	assert.Equal(t, KindNone, c.Classify(`[12:00:00] [Server thread/INFO]: Preparing level "world"`))

	var nilClassifier *Classifier
	assert.Equal(t, KindNone, nilClassifier.Classify("anything"))

	_, err = NewClassifier(Patterns{Ready: []string{"("}})
	assert.Error(t, err)
}

func TestTailEvictsOldest(t *testing.T) {
	tail := NewTail(3)
	for i := 1; i <= 5; i++ {
		tail.Append(fmt.Sprint(i))
	}
	assert.Equal(t, []string{"3", "4", "5"}, tail.Last(0))
	assert.Equal(t, []string{"4", "5"}, tail.Last(2))
	assert.Equal(t, 3, tail.Len())
	assert.Empty(t, NewTail(3).Last(0))
}

func TestReaderFloodKeepsLastLines(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 10000; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	tail := NewTail(100)
	r := Start(io.NopCloser(strings.NewReader(b.String())), Options{Tail: tail})
	waitDone(t, r)
	require.NoError(t, r.Err())

	got := tail.Last(0)
	require.Len(t, got, 100)
	for i, line := range got {
		assert.Equal(t, fmt.Sprintf("line %d", 9900+i), line)
	}
	assert.Equal(t, int64(10000), r.Lines())
}

func TestReaderEventsAndSink(t *testing.T) {
	c, err := NewClassifier(minecraft)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		events []Event
		sink   bytes.Buffer
	)
	input := "Starting minecraft server\r\nDone (1.0s)! For help, type \"help\"\npartial without newline"
	r := Start(io.NopCloser(strings.NewReader(input)), Options{
		Generation: 7,
		Classifier: c,
		Sink:       &sink,
		OnEvent: func(e Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
	})
	waitDone(t, r)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, "Starting minecraft server", events[0].Line)
	assert.Equal(t, KindNone, events[0].Kind)
	assert.Equal(t, KindReady, events[1].Kind)
	assert.Equal(t, uint64(7), events[1].Generation)
	assert.Equal(t, "partial without newline", events[2].Line)
	assert.Equal(t, "Starting minecraft server\nDone (1.0s)! For help, type \"help\"\npartial without newline\n", sink.String())
}

func TestReaderLongLine(t *testing.T) {
	long := strings.Repeat("x", 20000)
	tail := NewTail(10)
	r := Start(io.NopCloser(strings.NewReader(long+"\nshort\n")), Options{Tail: tail, MaxLineBytes: 5000})
	waitDone(t, r)

	got := tail.Last(0)
	require.Len(t, got, 2)
	assert.Len(t, got[0], 5000)
	assert.Equal(t, "short", got[1])
}

func TestReaderClosesSource(t *testing.T) {
	pr, pw := io.Pipe()
	r := Start(pr, Options{})
	_, _ = pw.Write([]byte("hello\n"))
	require.NoError(t, pw.Close())
	waitDone(t, r)
	assert.Equal(t, int64(1), r.Lines())

	// Done stays closed; a second finish must not panic.
	r.finish(nil)
	<-r.Done()
}
