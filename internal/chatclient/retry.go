package chatclient

import (
	"sync"
	"time"
)

// retryTimer is an independent repeating timer owned by one pending outbound
// message. Each tick invokes fire; Stop ends the timer and is safe to call
// more than once and concurrently with a tick.
type retryTimer struct {
	stop chan struct{}
	once sync.Once
}

func newRetryTimer(interval time.Duration, fire func()) *retryTimer {
	t := &retryTimer{stop: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				fire()
			}
		}
	}()
	return t
}

// Stop cancels the timer. No tick fires after Stop returns, except a tick
// already in flight on another goroutine.
func (t *retryTimer) Stop() {
	t.once.Do(func() { close(t.stop) })
}
