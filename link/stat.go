package link

// Values are read and modified atomically, but not consistently,
// i.e. it is possible to read Frames=1 Bytes=0 because Bytes has not updated yet.

import (
	"expvar"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const BandwidthWindow = 5 * time.Second

type Stat struct {
	Conn      expvar.Int
	Recv      Counters
	Send      Counters
	Malformed expvar.Int
	Bandwidth Bandwidth
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"conn":%d,"recv":%s,"send":%s,"malformed":%d,"rx_bps":%d}`,
		s.Conn.Value(), s.Recv.String(), s.Send.String(), s.Malformed.Value(), s.Bandwidth.BytesPerSecond())
}

type Counters struct {
	Frames expvar.Int
	Bytes  expvar.Int
}

func (c *Counters) String() string {
	return fmt.Sprintf(`{"frames":%d,"bytes":%d}`, c.Frames.Value(), c.Bytes.Value())
}

// Bandwidth measures received bytes per second over consecutive windows.
// New window starts when more than BandwidthWindow elapsed since previous window start.
type Bandwidth struct {
	mu    sync.Mutex
	clock clock.Clock
	start time.Time
	bytes int64
	bps   int64
}

func (b *Bandwidth) SetClock(c clock.Clock) {
	b.mu.Lock()
	b.clock = c
	b.mu.Unlock()
}

func (b *Bandwidth) Add(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clock == nil {
		b.clock = clock.New()
	}
	now := b.clock.Now()
	if b.start.IsZero() {
		b.start = now
	}
	b.bytes += int64(n)
	if elapsed := now.Sub(b.start); elapsed > BandwidthWindow {
		b.bps = int64(float64(b.bytes) / elapsed.Seconds())
		b.bytes = 0
		b.start = now
	}
}

func (b *Bandwidth) BytesPerSecond() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bps
}
