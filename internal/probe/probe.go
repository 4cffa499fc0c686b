// Package probe checks whether the game server accepts TCP connections.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"
)

type Outcome string

const (
	Reachable   Outcome = "reachable"
	Unreachable Outcome = "unreachable"
	Error       Outcome = "error"
)

// DefaultPort is the vanilla Minecraft server port.
const DefaultPort = 25565

type Result struct {
	Host    string        `json:"host"`
	Port    int           `json:"port"`
	Outcome Outcome       `json:"outcome"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latency"`

	Connection *ConnectionInfo `json:"connection,omitempty"`
}

// CheckReachable makes a single TCP connection attempt. Refused or timed out
// connections are Unreachable; bad input and resolver failures are Error.
func CheckReachable(ctx context.Context, host string, port int, timeout time.Duration) Result {
	if host == "" {
		host = "127.0.0.1"
	}
	res := Result{Host: host, Port: port}
	if port <= 0 || port > 65535 {
		res.Outcome = Error
		res.Detail = fmt.Sprintf("invalid port %d", port)
		return res
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	d := net.Dialer{Timeout: timeout}
	begin := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	res.Latency = time.Since(begin)
	if err == nil {
		_ = conn.Close()
		res.Outcome = Reachable
		return res
	}
	res.Detail = err.Error()
	res.Outcome = classify(err)
	return res
}

func classify(err error) Outcome {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTimeout {
		return Error
	}
	var addrErr *net.AddrError
	if errors.As(err, &addrErr) {
		return Error
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.ECONNRESET) {
		return Unreachable
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return Unreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Unreachable
	}
	if errors.Is(err, context.Canceled) {
		return Error
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return Unreachable
	}
	return Error
}
