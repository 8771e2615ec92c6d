package ports

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/config"
)

var ErrNoPortsAvailable = errors.New("no ports available")

const (
	probeTimeout    = time.Second
	maxAttempts     = 3
	backoffPerRetry = 100 * time.Millisecond
)

// UsedPortSource reports ports already recorded for live sessions.
type UsedPortSource interface {
	UsedPorts(ctx context.Context, column string) ([]int, error)
}

// ProbeFunc reports whether a host port can be bound right now.
type ProbeFunc func(ctx context.Context, port int) bool

type Allocator struct {
	source UsedPortSource
	probe  ProbeFunc
	logger zerolog.Logger
	rand   *rand.Rand
	sleep  func(time.Duration)
}

func NewAllocator(source UsedPortSource, logger zerolog.Logger) *Allocator {
	return &Allocator{
		source: source,
		probe:  ProbeTCP,
		logger: logger.With().Str("component", "port-allocator").Logger(),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:  time.Sleep,
	}
}

// WithProbe replaces the OS-level availability check.
func (a *Allocator) WithProbe(probe ProbeFunc) *Allocator {
	a.probe = probe
	return a
}

// Allocate picks a port in r that is neither recorded in column nor bound on the host.
// The port is not reserved; it becomes taken once the caller persists it.
func (a *Allocator) Allocate(ctx context.Context, r config.PortRange, column string) (int, error) {
	used, err := a.source.UsedPorts(ctx, column)
	if err != nil {
		return 0, fmt.Errorf("failed to read allocated ports: %w", err)
	}
	taken := make(map[int]struct{}, len(used))
	for _, p := range used {
		taken[p] = struct{}{}
	}

	candidates := make([]int, 0, r.Max-r.Min+1)
	for p := r.Min; p <= r.Max; p++ {
		if _, ok := taken[p]; !ok {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return 0, fmt.Errorf("%w in range %s", ErrNoPortsAvailable, r)
	}

	a.rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	for _, port := range candidates {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !a.probe(ctx, port) {
			continue
		}
		// second look right before handing it out
		if !a.probe(ctx, port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w in range %s: every candidate is bound", ErrNoPortsAvailable, r)
}

// AllocateWithRetry retries Allocate with a linear backoff of 100ms per attempt.
func (a *Allocator) AllocateWithRetry(ctx context.Context, r config.PortRange, column string) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		port, err := a.Allocate(ctx, r, column)
		if err == nil {
			return port, nil
		}
		lastErr = err
		a.logger.Warn().Err(err).Int("attempt", attempt).Str("field", column).Msg("Port allocation failed")
		if attempt < maxAttempts {
			a.sleep(backoffPerRetry * time.Duration(attempt))
		}
	}
	return 0, lastErr
}

// ProbeTCP binds and immediately releases a listener on the port.
func ProbeTCP(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
