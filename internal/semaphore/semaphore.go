// Package semaphore provides a counting semaphore backed by a buffered channel.
package semaphore

type Semaphore chan struct{}

// New creates a semaphore which admits up to concurrency holders at once.
func New(concurrency int) Semaphore {
	return make(chan struct{}, concurrency)
}

// Acquire blocks until a slot is available.
func (s Semaphore) Acquire() {
	s <- struct{}{}
}

// TryAcquire takes a slot if one is free and reports whether it did so.
// It never blocks.
func (s Semaphore) TryAcquire() bool {
	select {
	case s <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s Semaphore) Release() {
	<-s
}

// InUse returns the number of currently held slots.
func (s Semaphore) InUse() int {
	return len(s)
}
