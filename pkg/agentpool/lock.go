package agentpool

import (
	"context"
	"sync"
)

// runLock serializes runs for one session in arrival order. Each acquirer
// chains onto the previous holder's completion channel, so waiters are
// granted the lock strictly FIFO by the time they called acquire.
type runLock struct {
	mu   sync.Mutex
	tail chan struct{}
}

// acquire blocks until every earlier acquirer has released, then returns a
// release func. The release func is idempotent. When ctx is cancelled while
// waiting, the baton is still passed so later waiters are not stranded.
func (l *runLock) acquire(ctx context.Context) (func(), error) {
	gate := make(chan struct{})

	l.mu.Lock()
	prev := l.tail
	l.tail = gate
	l.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				close(gate)
			}()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	release := func() {
		once.Do(func() { close(gate) })
	}
	return release, nil
}
