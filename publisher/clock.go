package publisher

import (
	"sync/atomic"
	"time"

	"task-pipeline/domain"
)

// clock hands out strictly increasing timestamps even when the wall clock
// stalls or steps backwards.
type clock struct {
	last int64
	now  func() time.Time
}

func newClock() *clock {
	return &clock{now: time.Now}
}

func (c *clock) nextNanos() int64 {
	for {
		now := c.now().UnixNano()
		last := atomic.LoadInt64(&c.last)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&c.last, last, now) {
			return now
		}
	}
}

func (c *clock) next() string {
	return domain.FormatTime(time.Unix(0, c.nextNanos()))
}
