package clock

import (
	"sync"
	"time"
)

// Clock supplies wall time to the builder: seeds, build timestamps and
// stage durations.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// RealClock implements Clock with the system time
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// MockClock is a manually driven Clock. It is safe for concurrent use by
// parallel composition passes.
type MockClock struct {
	mutex sync.RWMutex
	now   time.Time
	step  time.Duration
}

// NewMockClock returns a clock frozen at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// NewSteppingClock returns a clock that moves forward by step after every
// call to Now, so measured durations are non-zero and predictable.
func NewSteppingClock(t time.Time, step time.Duration) *MockClock {
	return &MockClock{now: t, step: step}
}

func (m *MockClock) Now() time.Time {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	now := m.now
	m.now = m.now.Add(m.step)
	return now
}

func (m *MockClock) Since(t time.Time) time.Duration {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.now.Sub(t)
}

func (m *MockClock) Set(t time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.now = t
}

// Advance moves the clock forward by d.
func (m *MockClock) Advance(d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.now = m.now.Add(d)
}
