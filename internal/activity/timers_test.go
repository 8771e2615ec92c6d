package activity

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/clock"
)

func TestTimerTable_ReplacedWhileFiringDoesNotRun(t *testing.T) {
	var guard sync.Mutex
	c := clock.NewManual(time.Now())
	table := newTimerTable(c, &guard)

	var staleRan, freshRan atomic.Bool
	guard.Lock()
	table.schedule("s-1", timerDowngrade, time.Second, func() func() {
		staleRan.Store(true)
		return nil
	})
	guard.Unlock()

	guard.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Advance(time.Second)
	}()
	// The fired callback is now parked on the guard.
	require.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, time.Millisecond)

	table.schedule("s-1", timerDowngrade, time.Hour, func() func() {
		freshRan.Store(true)
		return nil
	})
	guard.Unlock()
	<-done

	assert.False(t, staleRan.Load())
	assert.False(t, freshRan.Load())
	assert.True(t, table.pending("s-1", timerDowngrade))
}

func TestTimerTable_AfterRunsOutsideGuard(t *testing.T) {
	var guard sync.Mutex
	c := clock.NewManual(time.Now())
	table := newTimerTable(c, &guard)

	reentered := false
	guard.Lock()
	table.schedule("s-1", timerGrace, time.Second, func() func() {
		return func() {
			guard.Lock()
			reentered = true
			guard.Unlock()
		}
	})
	guard.Unlock()

	c.Advance(time.Second)
	assert.True(t, reentered)
	assert.False(t, table.pending("s-1", timerGrace))
}
