package mmap

import (
	"context"

	xsync "golang.org/x/sync/semaphore"
)

// semaphore bounds the number of frames concurrently admitted through
// AllocPure, so a burst of faulting threads can't all steal from the
// same working set at once and thrash it empty. It wraps
// golang.org/x/sync/semaphore.Weighted, sized to the frame count at
// NewTable time.
type semaphore struct {
	w *xsync.Weighted
}

func newSemaphore(n int64) *semaphore {
	return &semaphore{w: xsync.NewWeighted(n)}
}

func (s *semaphore) acquire(n int64) {
	_ = s.w.Acquire(context.Background(), n)
}

func (s *semaphore) release(n int64) {
	s.w.Release(n)
}
