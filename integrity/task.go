package integrity

import (
	"context"
	"errors"
	"sync"
)

// ErrTaskIncomplete is returned by Task.Result before the task completes.
var ErrTaskIncomplete = errors.New("task is not complete")

// Task is the eventual outcome of an asynchronous provider operation.
// It completes exactly once, with a value or an error. Listeners added
// before completion run on the completing goroutine; listeners added after
// completion run immediately on the caller's goroutine.
type Task[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	value     T
	err       error
	listeners []func(*Task[T])
}

// CompletionSource controls the completion of its Task.
type CompletionSource[T any] struct {
	task *Task[T]
}

// NewCompletionSource creates a source with a fresh, incomplete task.
func NewCompletionSource[T any]() *CompletionSource[T] {
	return &CompletionSource[T]{
		task: &Task[T]{done: make(chan struct{})},
	}
}

// Task returns the task controlled by s.
func (s *CompletionSource[T]) Task() *Task[T] {
	return s.task
}

// SetResult completes the task with v. It returns false, and changes
// nothing, if the task was already complete.
func (s *CompletionSource[T]) SetResult(v T) bool {
	return s.task.complete(v, nil)
}

// SetError completes the task with err. It returns false, and changes
// nothing, if the task was already complete. A nil err is replaced with a
// generic error so that a failed task always carries one.
func (s *CompletionSource[T]) SetError(err error) bool {
	if err == nil {
		err = errors.New("unknown error")
	}
	var zero T
	return s.task.complete(zero, err)
}

// ForResult returns a task already completed with v.
func ForResult[T any](v T) *Task[T] {
	s := NewCompletionSource[T]()
	s.SetResult(v)
	return s.Task()
}

// ForError returns a task already failed with err.
func ForError[T any](err error) *Task[T] {
	s := NewCompletionSource[T]()
	s.SetError(err)
	return s.Task()
}

func (t *Task[T]) complete(v T, err error) bool {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		return false
	}
	t.completed = true
	t.value = v
	t.err = err
	listeners := t.listeners
	t.listeners = nil
	close(t.done)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
	return true
}

// AddOnCompleteListener registers fn to run when the task completes.
func (t *Task[T]) AddOnCompleteListener(fn func(*Task[T])) *Task[T] {
	t.mu.Lock()
	if !t.completed {
		t.listeners = append(t.listeners, fn)
		t.mu.Unlock()
		return t
	}
	t.mu.Unlock()

	fn(t)
	return t
}

// AddOnSuccessListener registers fn to run if the task succeeds.
func (t *Task[T]) AddOnSuccessListener(fn func(T)) *Task[T] {
	return t.AddOnCompleteListener(func(t *Task[T]) {
		if t.err == nil {
			fn(t.value)
		}
	})
}

// AddOnFailureListener registers fn to run if the task fails.
func (t *Task[T]) AddOnFailureListener(fn func(error)) *Task[T] {
	return t.AddOnCompleteListener(func(t *Task[T]) {
		if t.err != nil {
			fn(t.err)
		}
	})
}

// Done is closed when the task completes.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// IsComplete reports whether the task has completed.
func (t *Task[T]) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// IsSuccessful reports whether the task completed without error.
func (t *Task[T]) IsSuccessful() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed && t.err == nil
}

// Result returns the outcome of a completed task, or ErrTaskIncomplete.
func (t *Task[T]) Result() (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.completed {
		var zero T
		return zero, ErrTaskIncomplete
	}
	return t.value, t.err
}

// Await blocks until the task completes or ctx is done.
func (t *Task[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
