package ports

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/config"
)

type mockPortSource struct {
	mu    sync.Mutex
	used  []int
	err   error
	calls int
}

func (m *mockPortSource) UsedPorts(ctx context.Context, column string) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.used, m.err
}

func alwaysFree(context.Context, int) bool { return true }

func newTestAllocator(source UsedPortSource) *Allocator {
	a := NewAllocator(source, zerolog.Nop()).WithProbe(alwaysFree)
	a.sleep = func(time.Duration) {}
	return a
}

func TestAllocate_SkipsRecordedPorts(t *testing.T) {
	used := []int{}
	for p := 4000; p < 4090; p++ {
		used = append(used, p)
	}
	source := &mockPortSource{used: used}
	a := newTestAllocator(source)
	r := config.PortRange{Min: 4000, Max: 4099}

	for i := 0; i < 100; i++ {
		port, err := a.Allocate(context.Background(), r, "port")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, port, 4090)
		assert.LessOrEqual(t, port, 4099)
	}
}

func TestAllocate_NoCandidates(t *testing.T) {
	source := &mockPortSource{used: []int{5000, 5001}}
	a := newTestAllocator(source)

	_, err := a.Allocate(context.Background(), config.PortRange{Min: 5000, Max: 5001}, "tool_server_port")
	assert.ErrorIs(t, err, ErrNoPortsAvailable)
}

func TestAllocate_SkipsBoundPorts(t *testing.T) {
	a := newTestAllocator(&mockPortSource{})
	a.WithProbe(func(_ context.Context, port int) bool { return port == 4003 })

	port, err := a.Allocate(context.Background(), config.PortRange{Min: 4000, Max: 4005}, "port")
	require.NoError(t, err)
	assert.Equal(t, 4003, port)
}

func TestAllocate_RejectsPortTakenBeforeSecondCheck(t *testing.T) {
	probes := map[int]int{}
	a := newTestAllocator(&mockPortSource{})
	a.WithProbe(func(_ context.Context, port int) bool {
		probes[port]++
		// 4000 is free on the first look only
		if port == 4000 {
			return probes[port] == 1
		}
		return port == 4001
	})

	port, err := a.Allocate(context.Background(), config.PortRange{Min: 4000, Max: 4001}, "port")
	require.NoError(t, err)
	assert.Equal(t, 4001, port)
}

func TestAllocateWithRetry(t *testing.T) {
	source := &mockPortSource{err: errors.New("db down")}
	a := newTestAllocator(source)
	var slept []time.Duration
	a.sleep = func(d time.Duration) { slept = append(slept, d) }

	_, err := a.AllocateWithRetry(context.Background(), config.PortRange{Min: 4000, Max: 4001}, "port")
	require.Error(t, err)
	assert.Equal(t, 3, source.calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, slept)
}

func TestProbeTCP(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	assert.False(t, ProbeTCP(context.Background(), port))

	require.NoError(t, ln.Close())
	assert.True(t, ProbeTCP(context.Background(), port))
}
