package qos

import (
	"sync"
	"time"
)

// expiry is a one-shot cancellable deferred job. A cancel waits for a job that
// has already started to finish, so a fresh update can never be overwritten
// by a stale expiry.
type expiry struct {
	mu       sync.Mutex
	gen      uint64
	timer    *time.Timer
	inflight chan struct{}
}

// schedule cancels nothing; callers cancel first.
func (e *expiry) schedule(d time.Duration, fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(d, func() {
		e.mu.Lock()
		if e.gen != gen {
			e.mu.Unlock()
			return
		}
		done := make(chan struct{})
		e.inflight = done
		e.timer = nil
		e.mu.Unlock()

		defer func() {
			e.mu.Lock()
			if e.inflight == done {
				e.inflight = nil
			}
			e.mu.Unlock()
			close(done)
		}()
		fn()
	})
}

// pending reports whether a job is scheduled and has not started.
func (e *expiry) pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timer != nil
}

// cancelSync stops a scheduled job and waits for a running one.
func (e *expiry) cancelSync() {
	e.mu.Lock()
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	inflight := e.inflight
	e.mu.Unlock()

	if inflight != nil {
		<-inflight
	}
}
