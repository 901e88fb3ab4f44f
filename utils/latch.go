package utils

import (
	"sync"
	"sync/atomic"
)

// CountDownLatch tracks outstanding work items and releases waiters when all
// of them have counted down. A failed item carries its error to every waiter.
type CountDownLatch struct {
	lock    sync.Mutex
	pending int64
	err     atomic.Value
	done    chan struct{}
	once    sync.Once
}

func NewCountDownLatch(n int64) *CountDownLatch {
	l := &CountDownLatch{
		pending: n,
		done:    make(chan struct{}),
	}
	if n <= 0 {
		close(l.done)
	}
	return l
}

func (l *CountDownLatch) CountDown(err error) {
	if err != nil {
		l.err.Store(err)
	}
	l.lock.Lock()
	l.pending--
	released := l.pending <= 0
	l.lock.Unlock()
	if released {
		l.once.Do(func() { close(l.done) })
	}
}

// Add grows the pending count before the corresponding work is dispatched.
func (l *CountDownLatch) Add(n int64) {
	l.lock.Lock()
	l.pending += n
	l.lock.Unlock()
}

func (l *CountDownLatch) Wait() error {
	<-l.done
	if err, ok := l.err.Load().(error); ok {
		return err
	}
	return nil
}
