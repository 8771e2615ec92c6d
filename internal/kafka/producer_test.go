package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/events"
)

type mockWriter struct {
	msgs []kafka.Message
	err  error
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.msgs = append(m.msgs, msgs...)
	return m.err
}

func (m *mockWriter) Close() error { return nil }

func TestProducer_PublishKeysBySession(t *testing.T) {
	w := &mockWriter{}
	p := &Producer{writer: w, logger: zerolog.Nop()}

	require.NoError(t, p.Publish(context.Background(), events.Event{Type: events.TypeStatus, SessionID: "s-1", Status: "initializing"}))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, []byte("s-1"), msg.Key)
	assert.Equal(t, "event_type", msg.Headers[0].Key)
	assert.Equal(t, []byte(events.TypeStatus), msg.Headers[0].Value)

	var got events.Event
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "initializing", got.Status)
}

func TestProducer_PublishError(t *testing.T) {
	w := &mockWriter{err: errors.New("leader not available")}
	p := &Producer{writer: w, logger: zerolog.Nop()}

	err := p.Publish(context.Background(), events.Event{SessionID: "s-1"})
	assert.ErrorContains(t, err, "leader not available")
}
