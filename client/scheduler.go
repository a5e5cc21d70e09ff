package client

import (
	"sync"
	"time"
)

// Scheduler decides when a batch of queued operations is sent.
// Schedule is called once per batch with the function that sends it.
type Scheduler interface {
	Schedule(flush func())
}

// DefaultBatchWindow is the window of the default scheduler. Calls issued
// from different goroutines within it share one request; each call waits up
// to this long before it is sent.
const DefaultBatchWindow = 10 * time.Millisecond

// TimerScheduler sends a batch Window after its first operation was queued.
// With a zero Window only operations queued before the timer goroutine runs
// join the batch, which in practice means back-to-back Request calls.
type TimerScheduler struct {
	Window time.Duration
}

func (s TimerScheduler) Schedule(flush func()) {
	time.AfterFunc(s.Window, flush)
}

// ManualScheduler holds batches until Flush is called.
type ManualScheduler struct {
	mu      sync.Mutex
	pending []func()
}

func (s *ManualScheduler) Schedule(flush func()) {
	s.mu.Lock()
	s.pending = append(s.pending, flush)
	s.mu.Unlock()
}

// Flush sends every scheduled batch.
func (s *ManualScheduler) Flush() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, flush := range pending {
		flush()
	}
}

// Pending returns the number of batches waiting for Flush.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
