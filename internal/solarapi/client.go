// Package solarapi is the HTTP transport to the inverter: digest
// authentication, call throttling and the status envelope of its JSON API.
package solarapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/icholy/digest"
	"golang.org/x/time/rate"

	"energy-monitor/internal/failure"
	"energy-monitor/internal/logger"
)

// DefaultMinInterval is the spacing enforced between the starts of two
// consecutive calls to the same device.
const DefaultMinInterval = 200 * time.Millisecond

// Connection identifies the device and the account used for digest auth.
type Connection struct {
	BaseURL  string
	Username string
	Password string
}

// Config tunes the transport.
type Config struct {
	Timeout     time.Duration
	MinInterval time.Duration
}

// Client is the transport to one device. The underlying http client is
// created on first use and replaced whenever the connection changes.
type Client struct {
	timeout     time.Duration
	minInterval time.Duration

	mu        sync.Mutex
	conn      Connection
	http      *http.Client
	transport *http.Transport
	limiter   *rate.Limiter
}

// NewClient creates a client without a connection.
func NewClient(cfg Config) *Client {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		timeout:     cfg.Timeout,
		minInterval: cfg.MinInterval,
		limiter:     rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
	}
}

// SetConnection changes the target. The current http client is disposed if
// host or credentials differ.
func (c *Client) SetConnection(conn Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn == c.conn {
		return
	}
	c.conn = conn
	c.dispose()
}

// Connection returns the current target.
func (c *Client) Connection() Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Close releases idle connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispose()
}

func (c *Client) dispose() {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	c.http = nil
	c.transport = nil
}

func (c *Client) acquire() (*http.Client, Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn.BaseURL == "" {
		return nil, c.conn, fmt.Errorf("%w: no inverter connection", failure.ErrCommunication)
	}
	if c.http == nil {
		c.transport = http.DefaultTransport.(*http.Transport).Clone()
		var rt http.RoundTripper = c.transport
		if c.conn.Username != "" {
			rt = &digest.Transport{
				Username:  c.conn.Username,
				Password:  c.conn.Password,
				Transport: c.transport,
			}
		}
		c.http = &http.Client{Transport: rt, Timeout: c.timeout}
	}
	return c.http, c.conn, nil
}

// Fetch sends one request to path, relative to the connection's base url.
// A nil body is a GET, anything else a JSON POST. The status code is returned
// as is; only transport failures are errors.
func (c *Client) Fetch(ctx context.Context, path string, body []byte) ([]byte, int, error) {
	hc, conn, err := c.acquire()
	if err != nil {
		return nil, 0, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, fmt.Errorf("%w: waiting for call slot: %w", failure.ErrCommunication, err)
	}

	u, err := url.Parse(strings.TrimRight(conn.BaseURL, "/") + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: bad request url: %w", failure.ErrCommunication, err)
	}

	method := http.MethodGet
	var reader io.Reader
	if body != nil {
		method = http.MethodPost
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", failure.ErrCommunication, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: reading response: %w", failure.ErrCommunication, err)
	}

	logger.Ctx(ctx).DebugContext(ctx, "inverter request", slog.String("path", path), slog.Int("status", resp.StatusCode))
	return data, resp.StatusCode, nil
}
