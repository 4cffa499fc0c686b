package logstream

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultMaxLine = 64 * 1024

// Options configures a Reader.
type Options struct {
	Generation uint64
	Classifier *Classifier
	Tail       *Tail
	// Sink receives every line, newline terminated (console log file).
	Sink io.Writer
	// OnEvent is called from the reader goroutine for every line and must
	// not block.
	OnEvent func(Event)
	// MaxLineBytes caps a single line; the remainder is dropped.
	MaxLineBytes int
	Logger       *slog.Logger
}

// Reader drains one process output stream on its own goroutine.
type Reader struct {
	opts  Options
	src   io.ReadCloser
	done  chan struct{}
	once  sync.Once
	lines atomic.Int64
	err   error
}

// Start begins draining src. src is closed when the stream ends.
func Start(src io.ReadCloser, opts Options) *Reader {
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = defaultMaxLine
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Reader{opts: opts, src: src, done: make(chan struct{})}
	go r.run()
	return r
}

// Done is closed exactly once, after the last line was delivered.
func (r *Reader) Done() <-chan struct{} { return r.done }

// Err reports a read error other than end of stream, valid after Done.
func (r *Reader) Err() error {
	<-r.done
	return r.err
}

func (r *Reader) Lines() int64 { return r.lines.Load() }

func (r *Reader) finish(err error) {
	r.once.Do(func() {
		r.err = err
		_ = r.src.Close()
		close(r.done)
	})
}

func (r *Reader) run() {
	br := bufio.NewReaderSize(r.src, 4096)
	var sb strings.Builder
	truncated := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(chunk) > 0 {
			if room := r.opts.MaxLineBytes - sb.Len(); room > 0 {
				if len(chunk) > room {
					chunk = chunk[:room]
					truncated = true
				}
				sb.Write(chunk)
			} else {
				truncated = true
			}
		}
		if err != nil {
			if sb.Len() > 0 {
				r.emit(sb.String(), truncated)
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				err = nil
			}
			r.finish(err)
			return
		}
		if isPrefix {
			continue
		}
		r.emit(sb.String(), truncated)
		sb.Reset()
		truncated = false
	}
}

func (r *Reader) emit(line string, truncated bool) {
	line = strings.TrimRight(line, "\r")
	if truncated {
		r.opts.Logger.Debug("console line truncated", "generation", r.opts.Generation, "max_bytes", r.opts.MaxLineBytes)
	}
	r.lines.Add(1)
	if r.opts.Tail != nil {
		r.opts.Tail.Append(line)
	}
	if r.opts.Sink != nil {
		if _, err := io.WriteString(r.opts.Sink, line+"\n"); err != nil {
			r.opts.Logger.Warn("console log write failed", "error", err)
		}
	}
	if r.opts.OnEvent != nil {
		r.opts.OnEvent(Event{
			Timestamp:  time.Now(),
			Line:       line,
			Kind:       r.opts.Classifier.Classify(line),
			Generation: r.opts.Generation,
		})
	}
}
