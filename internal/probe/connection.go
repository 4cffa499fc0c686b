package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ConnectionInfo tells players where to connect.
type ConnectionInfo struct {
	LocalIP         string `json:"local_ip"`
	LocalAddress    string `json:"local_address"`
	ExternalIP      string `json:"external_ip,omitempty"`
	ExternalAddress string `json:"external_address,omitempty"`
	ExternalError   string `json:"external_error,omitempty"`
}

// routeTarget only selects the outbound interface; no packet is sent.
const routeTarget = "8.8.8.8:80"

// LocalIP returns the address of the interface used for outbound traffic,
// the first non-loopback IPv4 address when there is no route, or 127.0.0.1.
func LocalIP() string {
	if conn, err := net.Dial("udp4", routeTarget); err == nil {
		addr, ok := conn.LocalAddr().(*net.UDPAddr)
		_ = conn.Close()
		if ok && !addr.IP.IsUnspecified() {
			return addr.IP.String()
		}
	}
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && !ipn.IP.IsLoopback() && ipn.IP.To4() != nil {
				return ipn.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// ExternalIP asks a plain text "what is my IP" service such as
// https://api.ipify.org for the public address.
func ExternalIP(ctx context.Context, url string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s answered %s", url, resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(strings.TrimSpace(string(b)))
	if ip == nil {
		return "", fmt.Errorf("%s returned no IP address", url)
	}
	return ip.String(), nil
}

// Connection collects the local address and, when externalURL is set, the
// public address of the game port.
func Connection(ctx context.Context, port int, externalURL string, timeout time.Duration) ConnectionInfo {
	p := strconv.Itoa(port)
	info := ConnectionInfo{LocalIP: LocalIP()}
	info.LocalAddress = net.JoinHostPort(info.LocalIP, p)
	if externalURL == "" {
		return info
	}
	ip, err := ExternalIP(ctx, externalURL, timeout)
	if err != nil {
		info.ExternalError = err.Error()
		return info
	}
	info.ExternalIP = ip
	info.ExternalAddress = net.JoinHostPort(ip, p)
	return info
}
