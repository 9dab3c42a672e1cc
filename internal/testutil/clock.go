package testutil

import (
	"sync"
	"time"
)

// Sequence is a resettable monotonic counter standing in for the
// integration clock in tests. The first call to Next returns 1.
type Sequence struct {
	mu  sync.Mutex
	seq int64
}

// NewSequence creates a sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next increments and returns the sequence.
func (s *Sequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Current returns the last value handed out.
func (s *Sequence) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Reset rewinds the sequence so the next call to Next returns 1.
func (s *Sequence) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = 0
}

// FakeTime is a wall clock that only moves when told to. Its Now method
// plugs into store.WithClock and the engine's abandonment checks.
type FakeTime struct {
	mu  sync.Mutex
	now time.Time
}

// Epoch is the default start time for FakeTime.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewFakeTime creates a clock reading start. A zero start means Epoch.
func NewFakeTime(start time.Time) *FakeTime {
	if start.IsZero() {
		start = Epoch
	}
	return &FakeTime{now: start}
}

// Now returns the current fake time.
func (f *FakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d.
func (f *FakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}
