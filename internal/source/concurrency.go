package source

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const defaultQueueSize = 100

// FanOutOptions configures the bounded-concurrency stream helper.
type FanOutOptions struct {
	// Concurrency caps the number of in-flight producers. Default 8.
	Concurrency int
	// QueueSize bounds the output channel. Default 100.
	QueueSize int
	// Ordered buffers per-item results and releases them in input order;
	// otherwise results stream in arrival order.
	Ordered bool
}

func (o FanOutOptions) withDefaults() FanOutOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	return o
}

// FanOut runs produce for every item with bounded parallelism and streams
// the results into a bounded channel. The first producer error aborts the
// remaining work and is surfaced as the final Result on the stream. Drivers
// use this to parallelize per-board or per-list fetches without unbounded
// fan-out.
func FanOut[T any](ctx context.Context, items []T, produce func(ctx context.Context, item T, emit func(Result) error) error, opts FanOutOptions) <-chan Result {
	opts = opts.withDefaults()
	out := make(chan Result, opts.QueueSize)

	go func() {
		defer close(out)
		if opts.Ordered {
			fanOutOrdered(ctx, items, produce, opts, out)
			return
		}
		fanOutUnordered(ctx, items, produce, opts, out)
	}()
	return out
}

func fanOutUnordered[T any](ctx context.Context, items []T, produce func(ctx context.Context, item T, emit func(Result) error) error, opts FanOutOptions, out chan<- Result) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	emit := func(r Result) error {
		select {
		case out <- r:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	}

	for _, item := range items {
		item := item
		g.Go(func() error {
			return produce(gctx, item, emit)
		})
	}
	if err := g.Wait(); err != nil {
		out <- Result{Err: err}
	}
}

func fanOutOrdered[T any](ctx context.Context, items []T, produce func(ctx context.Context, item T, emit func(Result) error) error, opts FanOutOptions, out chan<- Result) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	// One buffered lane per item; the collector drains lanes in input order
	// so output order matches input order regardless of completion order.
	lanes := make([]chan Result, len(items))
	for i := range lanes {
		lanes[i] = make(chan Result, opts.QueueSize)
	}

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			defer close(lanes[i])
			return produce(gctx, item, func(r Result) error {
				select {
				case lanes[i] <- r:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	for _, lane := range lanes {
		for r := range lane {
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}
	if err := <-done; err != nil {
		out <- Result{Err: err}
	}
}
