// Copyright 2026 The appose-go authors
// SPDX-License-Identifier: Apache-2.0

package appose

import (
	"context"
	"encoding/json"
	"sync"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	StatusQueued    TaskStatus = iota // Created, not yet submitted to the worker
	StatusRunning                     // Submitted, worker may be executing it
	StatusCompleted                   // Terminal: finished, outputs available
	StatusCanceled                    // Terminal: cancellation acknowledged or forced
	StatusFailed                      // Terminal: script or transport error
)

// String returns the string representation of a TaskStatus.
func (s TaskStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusFailed
}

// sender abstracts the task's path to the transport, so the state machine
// can be exercised without a live worker.
type sender interface {
	send(*Request) error
}

// Task is one unit of remote, asynchronous, cancelable work: a script plus
// named inputs handed to the worker process.
//
// Task state is mutated only by the owning channel's reader goroutine (plus
// the Start/Cancel edges below); callers observe it through the accessor
// methods, Listen, and Wait.
type Task struct {
	id     string
	script string
	inputs map[string]json.RawMessage
	svc    sender

	mu        sync.Mutex
	status    TaskStatus
	started   bool
	current   int64
	maximum   int64
	outputs   map[string]any
	err       error
	listeners []Listener
	done      chan struct{}
}

func newTask(id, script string, inputs map[string]json.RawMessage, svc sender) *Task {
	return &Task{
		id:     id,
		script: script,
		inputs: inputs,
		svc:    svc,
		status: StatusQueued,
		done:   make(chan struct{}),
	}
}

// ID returns the task identifier, unique per channel.
func (t *Task) ID() string { return t.id }

// Status returns the current task status.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Progress returns the current progress pair. Maximum is zero until the
// worker reports a bound.
func (t *Task) Progress() (current, maximum int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.maximum
}

// Outputs returns a copy of the task's named outputs. It is non-empty only
// once the task is StatusCompleted.
func (t *Task) Outputs() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.outputs) == 0 {
		return nil
	}
	out := make(map[string]any, len(t.outputs))
	for k, v := range t.outputs {
		out[k] = v
	}
	return out
}

// Err returns the task's error. It is non-nil only when the task is
// StatusFailed: a *WorkerError for script-reported failures, a
// *TransportError when the channel died underneath the task.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Listen registers a listener for this task's events. Listeners see a
// consistent per-task event order; see Listener for the blocking caveat.
func (t *Task) Listen(fn Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Start submits the task to the worker, moving it from StatusQueued to
// StatusRunning. Calling Start twice returns ErrAlreadyStarted.
func (t *Task) Start() error {
	t.mu.Lock()
	if t.started || t.status.Terminal() {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.status = StatusRunning
	req := &Request{Task: t.id, Type: RequestSubmit, Script: t.script, Inputs: t.inputs}
	t.mu.Unlock()

	if err := t.svc.send(req); err != nil {
		t.failTransport(err)
		return err
	}
	return nil
}

// Cancel requests cooperative cancellation. For a running task this sends a
// CANCEL message; the transition to StatusCanceled happens only when the
// worker acknowledges (or the channel is force-closed). A task that was
// never started is canceled locally, since the worker has no knowledge of
// it. Cancel of a terminal task is a no-op.
func (t *Task) Cancel() error {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return nil
	}
	if !t.started {
		t.mu.Unlock()
		t.forceCancel()
		return nil
	}
	t.mu.Unlock()
	return t.svc.send(&Request{Task: t.id, Type: RequestCancel})
}

// Wait blocks until the task reaches a terminal status or ctx is done.
// It returns the status observed at that point; the error is non-nil only
// when ctx expired first. Bounded waits are deadline contexts:
//
//	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
//	defer cancel()
//	status, err := task.Wait(ctx)
func (t *Task) Wait(ctx context.Context) (TaskStatus, error) {
	select {
	case <-t.done:
		return t.Status(), nil
	default:
	}
	select {
	case <-t.done:
		return t.Status(), nil
	case <-ctx.Done():
		return t.Status(), ctx.Err()
	}
}

// apply consumes one worker response. It runs only on the channel's reader
// goroutine, which makes it the single writer of task state. A message
// arriving after a terminal status is ignored: the first terminal message
// wins any cancellation race.
func (t *Task) apply(resp *Response) {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}

	var ev Event
	switch resp.Type {
	case ResponseProgress:
		// Progress counters never decrease while running, and current never
		// passes a known maximum.
		if resp.Current > t.current {
			t.current = resp.Current
		}
		if resp.Maximum > t.maximum {
			t.maximum = resp.Maximum
		}
		if t.maximum > 0 && t.current > t.maximum {
			t.current = t.maximum
		}
		ev = ProgressEvent{Task: t, Current: t.current, Maximum: t.maximum}
	case ResponseCompletion:
		t.status = StatusCompleted
		t.outputs = decodeOutputs(resp.Outputs)
		close(t.done)
		ev = CompletionEvent{Task: t}
	case ResponseCancellation:
		t.status = StatusCanceled
		close(t.done)
		ev = CancellationEvent{Task: t}
	case ResponseFailure:
		t.status = StatusFailed
		t.err = &WorkerError{Message: resp.Error}
		close(t.done)
		ev = FailureEvent{Task: t, Error: resp.Error}
	default:
		t.mu.Unlock()
		return
	}
	listeners := t.snapshotListenersLocked()
	t.mu.Unlock()

	// Fired outside the lock so listeners may call the accessors.
	for _, fn := range listeners {
		fn(ev)
	}
}

// failTransport moves a non-terminal task to StatusFailed with a transport
// error, for channels that died with the task in flight.
func (t *Task) failTransport(err error) {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.status = StatusFailed
	t.err = err
	close(t.done)
	ev := FailureEvent{Task: t, Error: err.Error()}
	listeners := t.snapshotListenersLocked()
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// forceCancel moves a non-terminal task to StatusCanceled without worker
// acknowledgment. Used when the channel is closed and for tasks that were
// never submitted. The cancellation is error-free.
func (t *Task) forceCancel() {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.status = StatusCanceled
	close(t.done)
	ev := CancellationEvent{Task: t}
	listeners := t.snapshotListenersLocked()
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

func (t *Task) snapshotListenersLocked() []Listener {
	if len(t.listeners) == 0 {
		return nil
	}
	return append([]Listener(nil), t.listeners...)
}
