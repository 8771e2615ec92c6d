package rabbitmq

import (
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/events"
)

func TestBuildPublishing(t *testing.T) {
	at := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	e := events.Event{
		Type:      events.TypeReady,
		SessionID: "s-1",
		UserID:    "u-1",
		Status:    "running",
		Message:   "Workspace ready",
		Timestamp: at,
	}

	msg, err := buildPublishing(e)
	require.NoError(t, err)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)
	assert.Equal(t, "session.ready", RoutingKey(e))

	var body SessionStatusMessage
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, events.TypeReady, body.EventType)
	assert.Equal(t, "2025-06-01T10:30:00.000Z", body.Timestamp)
	assert.Equal(t, SessionStatusPayload{SessionID: "s-1", UserID: "u-1", Status: "running", Message: "Workspace ready"}, body.Payload)
}
