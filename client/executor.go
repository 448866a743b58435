package client

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Executor runs the non-blocking calls started with Client.Go.
type Executor interface {
	Go(f func())
}

type goExecutor struct{}

func (goExecutor) Go(f func()) { go f() }

type boundedExecutor struct {
	sem *semaphore.Weighted
}

// NewBoundedExecutor returns an Executor running at most n functions at a
// time. Excess calls queue without blocking the caller of Go.
func NewBoundedExecutor(n int64) Executor {
	return &boundedExecutor{sem: semaphore.NewWeighted(n)}
}

func (e *boundedExecutor) Go(f func()) {
	go func() {
		// Acquire cannot fail with a background context.
		_ = e.sem.Acquire(context.Background(), 1)
		defer e.sem.Release(1)
		f()
	}()
}
