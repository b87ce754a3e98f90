// Copyright 2026 The appose-go authors
// SPDX-License-Identifier: Apache-2.0

package appose

// Event is one message-derived task event, delivered to listeners in
// arrival order. It is a sealed variant over the four response kinds;
// consumers dispatch with a type switch:
//
//	task.Listen(func(e appose.Event) {
//		switch ev := e.(type) {
//		case appose.ProgressEvent:
//			...
//		case appose.CompletionEvent:
//		case appose.CancellationEvent:
//		case appose.FailureEvent:
//		}
//	})
type Event interface {
	// EventTask returns the task the event belongs to.
	EventTask() *Task

	sealedEvent()
}

// ProgressEvent reports an updated progress pair while the task is running.
type ProgressEvent struct {
	Task    *Task
	Current int64
	Maximum int64
}

// CompletionEvent reports that the task reached StatusCompleted; outputs are
// available on the task.
type CompletionEvent struct {
	Task *Task
}

// CancellationEvent reports that the task reached StatusCanceled, either by
// worker acknowledgment or synthetically when the channel was closed.
type CancellationEvent struct {
	Task *Task
}

// FailureEvent reports that the task reached StatusFailed.
type FailureEvent struct {
	Task  *Task
	Error string
}

func (e ProgressEvent) EventTask() *Task     { return e.Task }
func (e CompletionEvent) EventTask() *Task   { return e.Task }
func (e CancellationEvent) EventTask() *Task { return e.Task }
func (e FailureEvent) EventTask() *Task      { return e.Task }

func (ProgressEvent) sealedEvent()     {}
func (CompletionEvent) sealedEvent()   {}
func (CancellationEvent) sealedEvent() {}
func (FailureEvent) sealedEvent()      {}

// Listener receives task events. Listeners run synchronously on the
// channel's reader goroutine: a listener that blocks stalls message delivery
// for every task on that channel, so hand off long work to another
// goroutine.
type Listener func(Event)
