package toolserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endpointFor(t *testing.T, srv *httptest.Server) Endpoint {
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Endpoint{Host: host, Port: port}
}

func TestClient_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: "healthy"})
	}))
	defer srv.Close()

	c := NewClient(time.Second, zerolog.Nop())
	health, err := c.Health(context.Background(), endpointFor(t, srv))
	require.NoError(t, err)
	assert.True(t, health.Healthy())
}

func TestClient_HealthErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "starting", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(time.Second, zerolog.Nop())
	_, err := c.Health(context.Background(), endpointFor(t, srv))
	assert.Error(t, err)
}

func TestClient_ExecuteOperations(t *testing.T) {
	archive := []byte("tarball")
	var extracted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var data interface{}
		switch req.Operation {
		case OpReadFile:
			data = map[string]string{"content": "hello " + req.Params["path"].(string)}
		case OpCreateArchive:
			data = map[string]string{"data": base64.StdEncoding.EncodeToString(archive)}
		case OpExtractArchive:
			extracted = req.Params["data"].(string)
		case OpRunCommand:
			_ = json.NewEncoder(w).Encode(Response{Success: false, Error: "exit 1"})
			return
		}
		raw, _ := json.Marshal(data)
		_ = json.NewEncoder(w).Encode(Response{Success: true, Data: raw})
	}))
	defer srv.Close()

	c := NewClient(time.Second, zerolog.Nop())
	ep := endpointFor(t, srv)
	ctx := context.Background()

	content, err := c.ReadFile(ctx, ep, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello a.txt", content)

	data, err := c.CreateArchive(ctx, ep, "/workspace")
	require.NoError(t, err)
	assert.Equal(t, archive, data)

	require.NoError(t, c.ExtractArchive(ctx, ep, "/workspace", archive))
	assert.Equal(t, base64.StdEncoding.EncodeToString(archive), extracted)

	_, err = c.RunCommand(ctx, ep, "false", nil)
	assert.ErrorIs(t, err, ErrOperationFailed)
}

func TestClient_ResetEndpointClosesBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(time.Second, zerolog.Nop())
	ep := endpointFor(t, srv)
	ctx := context.Background()
	req := Request{Operation: OpReadFile}

	for i := 0; i < breakerMaxFailures; i++ {
		_, err := c.Execute(ctx, ep, req)
		require.Error(t, err)
	}
	_, err := c.Execute(ctx, ep, req)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.EqualValues(t, breakerMaxFailures, calls.Load())

	c.ResetEndpoint(ep)
	_, err = c.Execute(ctx, ep, req)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.EqualValues(t, breakerMaxFailures+1, calls.Load())
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	boom := errors.New("boom")
	assert.ErrorIs(t, cb.Call(func() error { return boom }), boom)
	assert.False(t, cb.Open())
	assert.ErrorIs(t, cb.Call(func() error { return boom }), boom)
	assert.True(t, cb.Open())

	called := false
	assert.ErrorIs(t, cb.Call(func() error { called = true; return nil }), ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Call(func() error { return nil }))
	assert.False(t, cb.Open())
}
