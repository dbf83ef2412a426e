package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Local is an in-process Locker backed by one single-slot semaphore per key.
// Idle keys are dropped, so memory tracks only contended entities.
type Local struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

var _ Locker = (*Local)(nil)

// NewLocal creates a Local locker that gives up after wait.
func NewLocal(wait time.Duration) *Local {
	return &Local{wait: wait, slots: make(map[string]*slot)}
}

func (l *Local) Acquire(ctx context.Context, keys ...string) (func(), error) {
	ordered := Order(keys)
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	held := make([]string, 0, len(ordered))
	for _, key := range ordered {
		s := l.ref(key)
		select {
		case s.ch <- struct{}{}:
			held = append(held, key)
		case <-timer.C:
			l.unref(key)
			l.releaseAll(held)
			return nil, fmt.Errorf("%w: %s", ErrTimeout, key)
		case <-ctx.Done():
			l.unref(key)
			l.releaseAll(held)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.releaseAll(held) })
	}, nil
}

func (l *Local) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// releaseAll frees keys in reverse acquisition order.
func (l *Local) releaseAll(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		s := l.slots[keys[i]]
		l.mu.Unlock()

		<-s.ch
		l.unref(keys[i])
	}
}
