// Package scheduler runs homogeneous task sets with a fixed ceiling on the
// number of tasks in flight. A failing task never aborts its siblings; every
// input gets an Outcome at the same index.
package scheduler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the in-flight ceiling used when none is configured.
const DefaultConcurrency = 5

// Mode selects the scheduling strategy.
type Mode string

// Supported modes.
const (
	// ModeChunked runs consecutive chunks of Concurrency tasks; a chunk starts
	// only after every task of the previous chunk settled.
	ModeChunked Mode = "chunked"
	// ModePool keeps up to Concurrency tasks in flight and starts the next task
	// as soon as any slot frees up.
	ModePool Mode = "pool"
)

// Config controls scheduling.
type Config struct {
	Concurrency int
	Mode        Mode
}

// Validate rejects unknown modes and negative limits.
func (c Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be >= 0")
	}
	switch c.Mode {
	case "", ModeChunked, ModePool:
		return nil
	default:
		return fmt.Errorf("unknown scheduler mode %q", c.Mode)
	}
}

func (c Config) limit() int {
	if c.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return c.Concurrency
}

// Outcome is the settled result of one task.
type Outcome[R any] struct {
	Value R
	Err   error
}

// OK reports whether the task succeeded.
func (o Outcome[R]) OK() bool {
	return o.Err == nil
}

// Failures counts failed outcomes.
func Failures[R any](outcomes []Outcome[R]) int {
	n := 0
	for _, o := range outcomes {
		if !o.OK() {
			n++
		}
	}
	return n
}

// Run executes fn for every task and returns one Outcome per task in input
// order. Tasks are not interrupted once started; when ctx is done before a
// task starts, that task is reported as failed with the context error.
func Run[T, R any](ctx context.Context, cfg Config, tasks []T, fn func(context.Context, T) (R, error)) []Outcome[R] {
	outcomes := make([]Outcome[R], len(tasks))
	if len(tasks) == 0 {
		return outcomes
	}
	if cfg.Mode == ModePool {
		runPool(ctx, cfg.limit(), tasks, fn, outcomes)
		return outcomes
	}
	runChunked(ctx, cfg.limit(), tasks, fn, outcomes)
	return outcomes
}

func runChunked[T, R any](
	ctx context.Context,
	limit int,
	tasks []T,
	fn func(context.Context, T) (R, error),
	outcomes []Outcome[R],
) {
	for start := 0; start < len(tasks); start += limit {
		end := min(start+limit, len(tasks))
		if err := ctx.Err(); err != nil {
			markCanceled(outcomes[start:], err)
			return
		}
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				outcomes[i] = settle(ctx, tasks[i], fn)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func runPool[T, R any](
	ctx context.Context,
	limit int,
	tasks []T,
	fn func(context.Context, T) (R, error),
	outcomes []Outcome[R],
) {
	var g errgroup.Group
	g.SetLimit(limit)
	for i := range tasks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = Outcome[R]{Err: fmt.Errorf("task not started: %w", err)}
				return nil
			}
			outcomes[i] = settle(ctx, tasks[i], fn)
			return nil
		})
	}
	_ = g.Wait()
}

// settle runs one task and converts panics into failures.
func settle[T, R any](ctx context.Context, task T, fn func(context.Context, T) (R, error)) (out Outcome[R]) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome[R]{Err: fmt.Errorf("task panicked: %v", r)}
		}
	}()
	value, err := fn(ctx, task)
	return Outcome[R]{Value: value, Err: err}
}

func markCanceled[R any](outcomes []Outcome[R], err error) {
	for i := range outcomes {
		outcomes[i] = Outcome[R]{Err: fmt.Errorf("task not started: %w", err)}
	}
}
