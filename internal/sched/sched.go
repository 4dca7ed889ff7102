// Package sched provides the shared timer scheduler for the session engines.
//
// Grace-period timers, notification debounce timers and the periodic flush
// and classification loops all run through one [Scheduler] so that shutdown
// can stop every pending timer in one place.
package sched

import (
	"sync"
	"time"
)

// Cancel stops a scheduled job. It is idempotent and safe to call after the
// job has already fired or the scheduler has closed.
type Cancel func()

// Scheduler owns one-shot and periodic timer jobs. The zero value is not
// usable; construct with [New]. All methods are safe for concurrent use.
type Scheduler struct {
	mu     sync.Mutex
	closed bool

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a ready-to-use Scheduler.
func New() *Scheduler {
	return &Scheduler{done: make(chan struct{})}
}

// After runs fn once after d has elapsed, unless cancelled or the scheduler
// closes first. fn runs on its own goroutine.
func (s *Scheduler) After(d time.Duration, fn func()) Cancel {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.wg.Add(1)
	s.mu.Unlock()

	cancelCh := make(chan struct{})
	var once sync.Once

	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-timer.C:
			fn()
		case <-cancelCh:
		case <-s.done:
		}
	}()

	return func() { once.Do(func() { close(cancelCh) }) }
}

// Every runs fn every interval until cancelled or the scheduler closes. The
// first run happens after one full interval. fn runs on the ticker goroutine,
// so a slow fn delays subsequent runs rather than stacking them.
func (s *Scheduler) Every(interval time.Duration, fn func()) Cancel {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.wg.Add(1)
	s.mu.Unlock()

	cancelCh := make(chan struct{})
	var once sync.Once

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				fn()
			case <-cancelCh:
				return
			case <-s.done:
				return
			}
		}
	}()

	return func() { once.Do(func() { close(cancelCh) }) }
}

// Close stops every pending job and waits for their goroutines to exit.
// Jobs currently executing fn run to completion.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.wg.Wait()
	})
}
