// coarsetime provides a coarse clock for hot paths that stamp every read
// and write. It is refreshed every 50ms by a background goroutine.
package coarsetime

import (
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var now atomic.Pointer[time.Time]

func init() {
	t := time.Now()
	now.Store(&t)

	ticker := time.NewTicker(tick)
	go func() {
		for t := range ticker.C {
			now.Store(&t)
		}
	}()
}

// Now returns the current time, at most one tick late.
func Now() time.Time {
	return *now.Load()
}

// Since returns the coarse time elapsed since t.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}
