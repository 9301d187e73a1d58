package heartbeat

import (
	"sync"
	"time"
)

// Deadlines receives the liveness deadline of each armed identity.
// *registry.Registry satisfies it.
type Deadlines interface {
	SetDeadline(identity string, deadline time.Time)
}

type timer struct {
	generation uint64
	t          *time.Timer
}

// Monitor keeps one liveness timer per charge point. Arming is last writer
// wins: every Arm bumps the identity's generation and a timer that fires with
// an outdated generation is ignored.
type Monitor struct {
	mu         sync.Mutex
	timers     map[string]*timer
	generation uint64

	deadlines Deadlines
	onTimeout func(identity string)
}

// NewMonitor returns a monitor calling onTimeout, from the timer goroutine,
// once for every armed timer that expires without being re-armed or
// cancelled.
func NewMonitor(deadlines Deadlines, onTimeout func(identity string)) *Monitor {
	return &Monitor{
		timers:    map[string]*timer{},
		deadlines: deadlines,
		onTimeout: onTimeout,
	}
}

// Arm cancels the current timer of identity, if any, and starts a new one.
func (m *Monitor) Arm(identity string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.timers[identity]; ok {
		current.t.Stop()
	}
	m.generation++
	generation := m.generation
	m.timers[identity] = &timer{
		generation: generation,
		t:          time.AfterFunc(d, func() { m.fire(identity, generation) }),
	}
	if m.deadlines != nil {
		m.deadlines.SetDeadline(identity, time.Now().Add(d))
	}
}

// Cancel stops the timer of identity without firing it.
func (m *Monitor) Cancel(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancel(identity)
}

func (m *Monitor) cancel(identity string) {
	current, ok := m.timers[identity]
	if !ok {
		return
	}
	current.t.Stop()
	delete(m.timers, identity)
	if m.deadlines != nil {
		m.deadlines.SetDeadline(identity, time.Time{})
	}
}

// Armed reports whether identity has an outstanding timer.
func (m *Monitor) Armed(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[identity]
	return ok
}

// Stop cancels every outstanding timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for identity := range m.timers {
		m.cancel(identity)
	}
}

func (m *Monitor) fire(identity string, generation uint64) {
	m.mu.Lock()
	current, ok := m.timers[identity]
	if !ok || current.generation != generation {
		m.mu.Unlock()
		return
	}
	delete(m.timers, identity)
	if m.deadlines != nil {
		m.deadlines.SetDeadline(identity, time.Time{})
	}
	m.mu.Unlock()

	if m.onTimeout != nil {
		m.onTimeout(identity)
	}
}
