package worker

import (
	"math/rand/v2"
	"time"
)

// Clock is the time source the worker sleeps on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Scheduler picks the sleep between cycles. A busy cycle halves the
// interval; an idle one restores it. Jitter adds up to Jitter on top.
type Scheduler struct {
	Interval time.Duration
	Jitter   time.Duration
	rand     func() float64
}

// NewScheduler returns a Scheduler starting at interval.
func NewScheduler(interval, jitter time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Scheduler{Interval: interval, Jitter: jitter, rand: rand.Float64}
}

// Next returns the delay before the following cycle.
func (s *Scheduler) Next(busy bool) time.Duration {
	d := s.Interval
	if busy {
		d /= 2
	}
	if s.Jitter > 0 {
		d += time.Duration(s.rand() * float64(s.Jitter))
	}
	return d
}
