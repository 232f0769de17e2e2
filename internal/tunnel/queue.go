package tunnel

import "sync"

// taskQueue is an unbounded FIFO feeding the event loop. push never blocks,
// so socket goroutines, timers and listeners running on the loop itself can
// all post work.
type taskQueue struct {
	mu      sync.Mutex
	tasks   []func()
	wake    chan struct{}
	stopped bool
}

func newTaskQueue() *taskQueue {
	return &taskQueue{wake: make(chan struct{}, 1)}
}

// push appends a task. It reports false once the queue was stopped.
func (q *taskQueue) push(task func()) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// next pops the oldest task.
func (q *taskQueue) next() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	task := q.tasks[0]
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	return task, true
}

// stop rejects further pushes. Tasks already queued still run.
func (q *taskQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *taskQueue) isStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}
