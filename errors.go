// Copyright 2026 The appose-go authors
// SPDX-License-Identifier: Apache-2.0

package appose

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Task.Start when the task has been
	// started before.
	ErrAlreadyStarted = errors.New("task already started")

	// ErrServiceClosed is returned when submitting work to a closed service.
	ErrServiceClosed = errors.New("service is closed")
)

// EnvError reports that a worker runtime could not be located or is
// unusable. It is fatal to channel creation and never retried automatically.
type EnvError struct {
	Spec string // What was asked for ("system", a manifest path, ...)
	Err  error
}

func (e *EnvError) Error() string {
	return fmt.Sprintf("environment %q: %v", e.Spec, e.Err)
}

func (e *EnvError) Unwrap() error { return e.Err }

// TransportError reports an I/O failure on the worker channel. The channel
// is unusable after one of these and must be closed.
type TransportError struct {
	Op  string // "write", "read", "spawn"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// WorkerError carries an error raised by the script inside the worker,
// surfaced verbatim from the FAILURE message.
type WorkerError struct {
	Message string
}

func (e *WorkerError) Error() string { return e.Message }
