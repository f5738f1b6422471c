package relay

import (
	"context"
	"sync"
)

// Completion resolves once an asynchronous lifecycle operation finishes.
type Completion struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func completedWith(err error) *Completion {
	completion := newCompletion()
	completion.complete(err)
	return completion
}

func (completion *Completion) complete(err error) {
	completion.once.Do(func() {
		completion.err = err
		close(completion.done)
	})
}

// Done is closed when the operation finishes.
func (completion *Completion) Done() <-chan struct{} {
	return completion.done
}

// Err returns the operation result, or nil while still running.
func (completion *Completion) Err() error {
	select {
	case <-completion.done:
		return completion.err
	default:
		return nil
	}
}

// Wait blocks until the operation finishes or ctx is done.
func (completion *Completion) Wait(ctx context.Context) error {
	select {
	case <-completion.done:
		return completion.err
	case <-ctx.Done():
		return NewError(TimedOutError, "waiting for completion", ctx.Err())
	}
}
