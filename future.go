package courier

import "context"

// Future is the completion signal of an asynchronously dispatched command.
type Future struct {
	done   chan struct{}
	result any
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func completedFuture(result any, err error) *Future {
	f := newFuture()
	f.complete(result, err)
	return f
}

func (f *Future) complete(result any, err error) {
	f.result, f.err = result, err
	close(f.done)
}

// Done is closed once the command has completed.
func (f *Future) Done() <-chan struct{} { return f.done }

// Get waits for the command to complete and returns its result. It returns
// ctx.Err() if ctx ends first; the command itself keeps running.
func (f *Future) Get(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
