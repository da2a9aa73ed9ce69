package agent

import "context"

// Task is one intercepted request in flight. The work runs to completion
// even when the caller stops waiting.
type Task struct {
	done chan struct{}
	resp Response
	err  error
}

func startTask(ctx context.Context, fn func(ctx context.Context) (Response, error)) *Task {
	t := &Task{done: make(chan struct{})}
	detached := context.WithoutCancel(ctx)
	go func() {
		defer close(t.done)
		t.resp, t.err = fn(detached)
	}()
	return t
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Await blocks until the task finishes or ctx is done.
func (t *Task) Await(ctx context.Context) (Response, error) {
	select {
	case <-t.done:
		return t.resp, t.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
