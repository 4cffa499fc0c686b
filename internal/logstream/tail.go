package logstream

import "sync"

// Tail keeps the most recent lines up to a fixed capacity. The oldest line is
// evicted first.
type Tail struct {
	mu    sync.Mutex
	buf   []string
	start int
	n     int
}

func NewTail(capacity int) *Tail {
	if capacity < 1 {
		capacity = 1
	}
	return &Tail{buf: make([]string, capacity)}
}

func (t *Tail) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n < len(t.buf) {
		t.buf[(t.start+t.n)%len(t.buf)] = line
		t.n++
		return
	}
	t.buf[t.start] = line
	t.start = (t.start + 1) % len(t.buf)
}

// Last returns up to n of the newest lines in arrival order. n <= 0 returns
// everything held.
func (t *Tail) Last(n int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > t.n {
		n = t.n
	}
	out := make([]string, n)
	first := t.start + t.n - n
	for i := 0; i < n; i++ {
		out[i] = t.buf[(first+i)%len(t.buf)]
	}
	return out
}

func (t *Tail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}
