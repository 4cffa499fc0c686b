package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/loykin/gamekeeper/internal/errdefs"
)

const defaultBaseURL = "http://127.0.0.1:8425/api"

// Client talks to a running gamekeeper daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds a whole request. Starting and stopping a server can
	// take minutes, so keep it above startup grace plus stop grace.
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for a daemon behind a TLS proxy.
type TLSClientConfig struct {
	Enabled    bool
	CACert     string // CA certificate file path
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 3 * time.Minute,
	}
}

// New creates a new daemon API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 3 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// APIError is a failed daemon request. It unwraps to an *errdefs.Error
// carrying the daemon's kind and reason, so errdefs.KindOf and
// errdefs.ExitCode work on it.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
	Reason     string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return e.Message
}

func (e *APIError) Unwrap() error {
	if e.Kind == "" {
		return nil
	}
	return &errdefs.Error{Kind: errdefs.Kind(e.Kind), Reason: e.Reason, Detail: e.Message}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Start launches the server and waits for the daemon's verdict on readiness.
func (c *Client) Start(ctx context.Context) (*Status, error) {
	resp, err := c.do(ctx, http.MethodPost, "/start", nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Stop runs the stop escalation. A zero grace uses the daemon's default.
// The result is returned alongside a timeout error when the daemon reports
// how far the escalation got.
func (c *Client) Stop(ctx context.Context, grace time.Duration) (*StopResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/stop", graceQuery(grace), nil)
	if resp != nil {
		return resp.Stop, err
	}
	return nil, err
}

func (c *Client) Restart(ctx context.Context, grace time.Duration) (*Status, error) {
	resp, err := c.do(ctx, http.MethodPost, "/restart", graceQuery(grace), nil)
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// Status returns the server status and, when available, its resource usage.
func (c *Client) Status(ctx context.Context) (*Status, *Usage, error) {
	resp, err := c.do(ctx, http.MethodGet, "/status", nil, nil)
	if err != nil {
		return nil, nil, err
	}
	return resp.Status, resp.Usage, nil
}

// SendCommand writes one line to the server console.
func (c *Client) SendCommand(ctx context.Context, command string) error {
	_, err := c.do(ctx, http.MethodPost, "/command", nil, map[string]string{"command": command})
	return err
}

// Logs returns up to n of the most recent console lines.
func (c *Client) Logs(ctx context.Context, n int) ([]string, error) {
	q := url.Values{}
	if n > 0 {
		q.Set("lines", strconv.Itoa(n))
	}
	resp, err := c.do(ctx, http.MethodGet, "/logs", q, nil)
	if err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// Backup takes a backup now. A failed backup still returns its record.
func (c *Client) Backup(ctx context.Context) (*BackupRecord, error) {
	resp, err := c.do(ctx, http.MethodPost, "/backup", nil, nil)
	if resp != nil {
		return resp.Backup, err
	}
	return nil, err
}

func (c *Client) Backups(ctx context.Context) ([]ArchiveInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/backups", nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.Backups, nil
}

// Restore unpacks the named archive. An empty target restores over the
// backup source.
func (c *Client) Restore(ctx context.Context, archive, target string) (*RestoreResult, error) {
	body := map[string]string{"archive": archive}
	if target != "" {
		body["target"] = target
	}
	resp, err := c.do(ctx, http.MethodPost, "/restore", nil, body)
	if err != nil {
		return nil, err
	}
	return resp.Restore, nil
}

// Probe asks the daemon to check the game port. It returns an error only
// when the request itself fails; an unreachable port is reported in the result.
func (c *Client) Probe(ctx context.Context) (*ProbeResult, error) {
	resp, err := c.do(ctx, http.MethodGet, "/probe", nil, nil)
	if resp != nil && resp.Probe != nil {
		return resp.Probe, nil
	}
	if err == nil {
		err = errors.New("daemon returned no probe result")
	}
	return nil, err
}

func (c *Client) History(ctx context.Context, limit int) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	resp, err := c.do(ctx, http.MethodGet, "/history", q, nil)
	if err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func graceQuery(grace time.Duration) url.Values {
	if grace <= 0 {
		return nil
	}
	return url.Values{"grace": []string{grace.String()}}
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

// do performs one request and decodes the envelope. The decoded envelope is
// returned with the error when the daemon replied with one.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", target)
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("API request failed", "status", resp.StatusCode, "kind", out.Kind, "message", out.Message)
		return &out, &APIError{StatusCode: resp.StatusCode, Message: out.Message, Kind: out.Kind, Reason: out.Reason}
	}
	return &out, nil
}

// IsUnreachable reports whether err means the daemon could not be contacted.
func IsUnreachable(err error) bool {
	var api *APIError
	return err != nil && !errors.As(err, &api)
}
