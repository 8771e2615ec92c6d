// Package events fans session lifecycle events out to push sinks. Delivery is
// fire-and-forget: sink failures are logged and never reach the caller.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/metrics"
)

const (
	TypeStatus   = "status"
	TypeReady    = "ready"
	TypeError    = "error"
	TypeCleanup  = "cleanup"
	TypeActivity = "activity"
)

const defaultTimeout = 5 * time.Second

type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink delivers an event to one downstream channel.
type Sink interface {
	Name() string
	Publish(ctx context.Context, event Event) error
}

type Broadcaster struct {
	mu      sync.RWMutex
	sinks   []Sink
	timeout time.Duration
	metrics *metrics.Collector
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

func NewBroadcaster(timeout time.Duration, m *metrics.Collector, logger zerolog.Logger, sinks ...Sink) *Broadcaster {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Broadcaster{
		sinks:   sinks,
		timeout: timeout,
		metrics: m,
		logger:  logger.With().Str("component", "event-broadcaster").Logger(),
	}
}

func (b *Broadcaster) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Broadcast returns immediately; each sink is published to on its own goroutine
// with a detached, bounded context. A nil Broadcaster drops the event.
func (b *Broadcaster) Broadcast(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, s := range sinks {
		b.wg.Add(1)
		go func(s Sink) {
			defer b.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
			defer cancel()

			err := s.Publish(ctx, event)
			b.metrics.EventPublished(s.Name(), err)
			if err != nil {
				b.logger.Warn().Err(err).
					Str("sink", s.Name()).
					Str("session_id", event.SessionID).
					Str("type", event.Type).
					Msg("Failed to publish event")
			}
		}(s)
	}
}

// Wait blocks until every in-flight delivery has finished.
func (b *Broadcaster) Wait() {
	if b == nil {
		return
	}
	b.wg.Wait()
}
