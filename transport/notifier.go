package transport

import "sync"

// Notifier is a single-shot signal carrying a value. The first Signal wins;
// later calls are ignored. Any number of goroutines may Wait.
type Notifier[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

func NewNotifier[T any]() *Notifier[T] {
	return &Notifier[T]{done: make(chan struct{})}
}

// Signal stores v and wakes every waiter. It reports whether this call was the
// one that fired the notifier.
func (n *Notifier[T]) Signal(v T) bool {
	fired := false
	n.once.Do(func() {
		n.value = v
		close(n.done)
		fired = true
	})
	return fired
}

// Wait blocks until Signal and returns the signaled value.
func (n *Notifier[T]) Wait() T {
	<-n.done
	return n.value
}

// Done is closed once the notifier fires. A nil notifier never fires.
func (n *Notifier[T]) Done() <-chan struct{} {
	if n == nil {
		return nil
	}
	return n.done
}

// Fired reports whether Signal has been called.
func (n *Notifier[T]) Fired() bool {
	if n == nil {
		return false
	}
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}
