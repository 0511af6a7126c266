package helpers

import (
	"sync"
	"time"
)

// Limited exponential backoff for retry delays.
// First failure delay is Min, each next failure multiplies delay by K up to Max.
// Success resets.
type Backoff struct {
	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms

	mu   sync.Mutex
	next time.Duration
}

// Use scenario:
//
//	for {
//	  err := op()
//	  time.Sleep(backoff.DelayAfter(err==nil))
//	}
func (b *Backoff) DelayAfter(success bool) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.next = 0
		return 0
	}
	if b.next == 0 {
		b.next = b.limit(b.Min)
	}
	delay := b.next
	b.next = b.limit(time.Duration(float32(b.next) * b.K))
	return delay
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.next = 0
	b.mu.Unlock()
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
