// Package workpool runs independent units of work on a bounded number of
// goroutines and collects one outcome per unit.
//
// Units never share mutable state: each writes its outcome into its own slot
// of the result slice, and [Run] returns only after every scheduled unit has
// finished. Callers fold the outcomes single-threaded afterwards.
package workpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Outcome is the result of one unit.
type Outcome[T any] struct {
	Value T
	Err   error

	// Started is false when the unit was never scheduled because ctx was
	// done first. Err then holds the context error.
	Started bool
}

// Run calls fn for every unit with at most workers running at once.
// workers <= 0 means runtime.NumCPU().
//
// Cancelling ctx stops scheduling: units not yet started get ctx's error as
// their outcome. Started units run to completion with a context that is not
// cancelled, so a half-written unit is never abandoned. Panics in fn are not
// recovered.
func Run[U, T any](ctx context.Context, workers int, units []U, fn func(ctx context.Context, unit U) (T, error)) []Outcome[T] {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	outcomes := make([]Outcome[T], len(units))
	unitCtx := context.WithoutCancel(ctx)

	var g errgroup.Group

	g.SetLimit(workers)

	for i, unit := range units {
		if err := ctx.Err(); err != nil {
			outcomes[i] = Outcome[T]{Err: err}

			continue
		}

		// Go blocks while the pool is full.
		g.Go(func() error {
			value, err := fn(unitCtx, unit)
			outcomes[i] = Outcome[T]{Value: value, Err: err, Started: true}

			return nil
		})
	}

	_ = g.Wait()

	return outcomes
}
