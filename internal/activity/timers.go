package activity

import (
	"sync"
	"time"

	"github.com/Joshua-Martin/sansa-dev-sub000/internal/clock"
)

type timerKind int

const (
	timerDowngrade timerKind = iota
	timerGrace
)

type timerSlot struct {
	gen   uint64
	timer clock.Timer
}

// timerCallback runs with the table's guard held. The func it returns, if
// any, runs after the guard is released.
type timerCallback func() (after func())

// timerTable owns at most one timer per (session, kind). Scheduling cancels
// and replaces the current slot; a callback runs only while its generation is
// still the one in the slot, so a stale timer can never act.
//
// Callers hold guard while scheduling or cancelling. A firing timer takes
// guard before it checks its generation, so the check and the callback are
// atomic with respect to every other transition.
type timerTable struct {
	guard sync.Locker

	mu    sync.Mutex
	clock clock.Clock
	gen   uint64
	slots map[string]map[timerKind]*timerSlot
}

func newTimerTable(c clock.Clock, guard sync.Locker) *timerTable {
	return &timerTable{
		guard: guard,
		clock: c,
		slots: make(map[string]map[timerKind]*timerSlot),
	}
}

func (t *timerTable) schedule(sessionID string, kind timerKind, d time.Duration, fn timerCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopLocked(sessionID, kind)
	t.gen++
	gen := t.gen

	slot := &timerSlot{gen: gen}
	slot.timer = t.clock.AfterFunc(d, func() {
		t.guard.Lock()
		if !t.claim(sessionID, kind, gen) {
			t.guard.Unlock()
			return
		}
		after := fn()
		t.guard.Unlock()
		if after != nil {
			after()
		}
	})

	kinds, ok := t.slots[sessionID]
	if !ok {
		kinds = make(map[timerKind]*timerSlot)
		t.slots[sessionID] = kinds
	}
	kinds[kind] = slot
}

// claim removes the slot if gen is still current.
func (t *timerTable) claim(sessionID string, kind timerKind, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	kinds, ok := t.slots[sessionID]
	if !ok {
		return false
	}
	slot, ok := kinds[kind]
	if !ok || slot.gen != gen {
		return false
	}
	delete(kinds, kind)
	if len(kinds) == 0 {
		delete(t.slots, sessionID)
	}
	return true
}

func (t *timerTable) cancel(sessionID string, kind timerKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked(sessionID, kind)
}

func (t *timerTable) cancelAll(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for kind, slot := range t.slots[sessionID] {
		slot.timer.Stop()
		delete(t.slots[sessionID], kind)
	}
	delete(t.slots, sessionID)
}

func (t *timerTable) pending(sessionID string, kind timerKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.slots[sessionID][kind]
	return ok
}

func (t *timerTable) stopLocked(sessionID string, kind timerKind) {
	kinds, ok := t.slots[sessionID]
	if !ok {
		return
	}
	if slot, ok := kinds[kind]; ok {
		slot.timer.Stop()
		delete(kinds, kind)
	}
	if len(kinds) == 0 {
		delete(t.slots, sessionID)
	}
}
