package capture

import (
	"sync"
	"sync/atomic"
)

// bus fans values out to subscribers without ever blocking the
// publisher. The subscriber list is swapped copy-on-write so publish
// stays lock-free on the audio callback path; a full subscriber channel
// drops the value instead of stalling.
type bus[T any] struct {
	mu   sync.Mutex
	subs atomic.Pointer[[]chan T]
}

func newBus[T any]() *bus[T] {
	b := &bus[T]{}
	empty := make([]chan T, 0)
	b.subs.Store(&empty)
	return b
}

func (b *bus[T]) subscribe(size int) (<-chan T, func()) {
	ch := make(chan T, size)

	b.mu.Lock()
	old := *b.subs.Load()
	next := make([]chan T, len(old)+1)
	copy(next, old)
	next[len(old)] = ch
	b.subs.Store(&next)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		old := *b.subs.Load()
		next := make([]chan T, 0, len(old))
		for _, c := range old {
			if c != ch {
				next = append(next, c)
			}
		}
		b.subs.Store(&next)
	}
	return ch, cancel
}

func (b *bus[T]) publish(v T) {
	for _, ch := range *b.subs.Load() {
		select {
		case ch <- v:
		default:
			// Drop if channel full (backpressure)
		}
	}
}
