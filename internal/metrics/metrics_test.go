package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Records(t *testing.T) {
	c := NewCollector(zerolog.Nop(), "test")

	c.SessionCreate("created")
	c.SessionCreate("reused")
	c.SessionCreate("reused")
	c.Cleanup("manual", nil)
	c.Cleanup("manual", errors.New("remove failed"))
	c.Eviction()
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.InitFinished("success", 3*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionsCreated.WithLabelValues("reused")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cleanups.WithLabelValues("manual", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.evictions))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.liveConnections))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SessionCreate("created")
		c.HealthCheck("healthy")
		c.Cleanup("manual", nil)
		c.ConnectionOpened()
	})
}
