package proxy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Isolation selects how accepted connections are run.
type Isolation string

const (
	// IsolationGoroutine runs every connection in its own goroutine without
	// limit.
	IsolationGoroutine Isolation = "goroutine"
	// IsolationPool runs every connection in its own goroutine, at most
	// MaxConns at a time. Accepting stops while the pool is full.
	IsolationPool Isolation = "pool"
)

// ParseIsolation validates s. An empty string selects IsolationGoroutine.
func ParseIsolation(s string) (Isolation, error) {
	switch i := Isolation(strings.ToLower(strings.TrimSpace(s))); i {
	case "":
		return IsolationGoroutine, nil
	case IsolationGoroutine, IsolationPool:
		return i, nil
	default:
		return "", fmt.Errorf("unknown isolation %q (want goroutine or pool)", s)
	}
}

// runner starts connection handlers and tracks them until they return.
type runner struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newRunner(isolation Isolation, maxConns int) (*runner, error) {
	switch isolation {
	case "", IsolationGoroutine:
		return &runner{}, nil
	case IsolationPool:
		if maxConns <= 0 {
			maxConns = DefaultMaxConns
		}
		return &runner{sem: semaphore.NewWeighted(int64(maxConns))}, nil
	default:
		return nil, fmt.Errorf("unknown isolation %q", isolation)
	}
}

// Go runs fn in a new goroutine, first waiting for pool capacity if the
// runner is bounded. It fails only if ctx ends while waiting.
func (r *runner) Go(ctx context.Context, fn func()) error {
	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return err
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if r.sem != nil {
			defer r.sem.Release(1)
		}
		fn()
	}()
	return nil
}

func (r *runner) Wait() {
	r.wg.Wait()
}
