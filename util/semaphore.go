package util

import (
	"context"
)

// Semaphore is a counting semaphore backed by a buffered channel.
type Semaphore chan struct{}

func NewSemaphore(n int) (s Semaphore) {
	if n < 1 {
		n = 1
	}

	s = make(Semaphore, n)
	for i := 0; i < n; i++ {
		s <- struct{}{}
	}

	return
}

func TakeSemaphore(s Semaphore) {
	<-s
}

func TryTakeSemaphore(ctx context.Context, s Semaphore) bool {
	select {
	case <-s:
		return true
	case <-ctx.Done():
		return false
	}
}

func ReturnSemaphore(s Semaphore) {
	select {
	case s <- struct{}{}:
		return
	default:
		panic("Attempting to return semaphore to an already full channel")
	}
}
