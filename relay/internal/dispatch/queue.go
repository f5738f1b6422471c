// Package dispatch provides a single serialized worker: tasks submitted from
// any goroutine run one at a time, in submission order, on one goroutine.
package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when submitting to a stopped queue.
var ErrStopped = errors.New("dispatch queue stopped")

// Task is a unit of work run on the queue's goroutine.
type Task func()

// Queue is an unbounded FIFO executor backed by one goroutine.
type Queue struct {
	lock    sync.Mutex
	tasks   []Task
	signal  chan struct{}
	done    chan struct{}
	stopped bool
	onPanic func(recovered any)
}

// New starts a queue. onPanic, when set, receives values recovered from
// panicking tasks; the worker keeps running either way.
func New(onPanic func(recovered any)) *Queue {
	queue := &Queue{
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		onPanic: onPanic,
	}
	go queue.run()
	return queue
}

// Submit appends task to the queue.
func (queue *Queue) Submit(task Task) error {
	if queue == nil {
		return errors.New("nil dispatch queue")
	}
	if task == nil {
		return errors.New("nil task")
	}

	queue.lock.Lock()
	if queue.stopped {
		queue.lock.Unlock()
		return ErrStopped
	}
	queue.tasks = append(queue.tasks, task)
	queue.lock.Unlock()

	select {
	case queue.signal <- struct{}{}:
	default:
	}
	return nil
}

// SubmitWait submits task and blocks until it has run or ctx is done. It must
// not be called from a task running on the same queue.
func (queue *Queue) SubmitWait(ctx context.Context, task Task) error {
	if task == nil {
		return errors.New("nil task")
	}
	finished := make(chan struct{})
	err := queue.Submit(func() {
		defer close(finished)
		task()
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of tasks waiting to run.
func (queue *Queue) Len() int {
	if queue == nil {
		return 0
	}
	queue.lock.Lock()
	defer queue.lock.Unlock()
	return len(queue.tasks)
}

// Stop rejects further submissions, lets already queued tasks finish, and
// waits for the worker goroutine to exit.
func (queue *Queue) Stop() {
	if queue == nil {
		return
	}
	queue.lock.Lock()
	if !queue.stopped {
		queue.stopped = true
		select {
		case queue.signal <- struct{}{}:
		default:
		}
	}
	queue.lock.Unlock()
	<-queue.done
}

func (queue *Queue) run() {
	defer close(queue.done)
	for {
		queue.lock.Lock()
		if len(queue.tasks) == 0 {
			stopped := queue.stopped
			queue.lock.Unlock()
			if stopped {
				return
			}
			<-queue.signal
			continue
		}
		task := queue.tasks[0]
		queue.tasks[0] = nil
		queue.tasks = queue.tasks[1:]
		queue.lock.Unlock()

		queue.execute(task)
	}
}

func (queue *Queue) execute(task Task) {
	defer func() {
		if recovered := recover(); recovered != nil && queue.onPanic != nil {
			queue.onPanic(recovered)
		}
	}()
	task()
}
