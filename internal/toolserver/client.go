package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrOperationFailed = errors.New("tool operation failed")
	ErrUnhealthy       = errors.New("tool server unhealthy")
)

const (
	defaultCallTimeout   = 30 * time.Second
	defaultHealthTimeout = 5 * time.Second
	breakerMaxFailures   = 5
	breakerResetTimeout  = 30 * time.Second
	maxErrorBody         = 4096
)

// Endpoint addresses one in-container tool server.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) baseURL() string {
	return "http://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Request is an opaque operation forwarded to the tool server.
type Request struct {
	Operation string                 `json:"operation"`
	Params    map[string]interface{} `json:"params,omitempty"`
	TimeoutMs int64                  `json:"timeoutMs,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Uptime    int64  `json:"uptime,omitempty"`
	DevServer string `json:"devServer,omitempty"`
}

func (h *HealthResponse) Healthy() bool {
	return h != nil && h.Status == "healthy"
}

// Client talks to tool servers over HTTP with one circuit breaker per endpoint.
type Client struct {
	httpCli       *http.Client
	callTimeout   time.Duration
	healthTimeout time.Duration
	logger        zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

func NewClient(healthTimeout time.Duration, logger zerolog.Logger) *Client {
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	return &Client{
		httpCli: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		callTimeout:   defaultCallTimeout,
		healthTimeout: healthTimeout,
		logger:        logger.With().Str("component", "toolserver-client").Logger(),
		breakers:      make(map[string]*CircuitBreaker),
	}
}

func (c *Client) breaker(ep Endpoint) *CircuitBreaker {
	key := ep.baseURL()
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout)
		c.breakers[key] = cb
	}
	return cb
}

// ResetEndpoint drops the breaker for ep. Host ports are reused across
// sessions, so a new container must not inherit a dead one's open breaker.
func (c *Client) ResetEndpoint(ep Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.breakers, ep.baseURL())
}

// Execute runs an operation on the tool server.
func (c *Client) Execute(ctx context.Context, ep Endpoint, req Request) (*Response, error) {
	timeout := c.callTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool request: %w", err)
	}

	var resp Response
	err = c.breaker(ep).Call(func() error {
		return c.doJSON(ctx, http.MethodPost, ep.baseURL()+"/api/tools/execute", body, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Operation, err)
	}
	if !resp.Success {
		return &resp, fmt.Errorf("%w: %s: %s", ErrOperationFailed, req.Operation, resp.Error)
	}
	return &resp, nil
}

// Health queries the tool server's health endpoint. It bypasses the breaker
// so the registry always sees the real state.
func (c *Client) Health(ctx context.Context, ep Endpoint) (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	var health HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, ep.baseURL()+"/health", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpCli.Do(request)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("tool server status %d: %s", resp.StatusCode, string(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode tool server response: %w", err)
	}
	return nil
}
