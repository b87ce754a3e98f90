// Copyright 2026 The appose-go authors
// SPDX-License-Identifier: Apache-2.0

// Package worker implements the worker side of the task protocol: a loop
// that reads requests from a controller, executes submitted scripts on the
// goja JavaScript engine, and reports progress and results back.
//
// The protocol occupies stdin/stdout; everything a script (or this package)
// logs goes to stderr, keeping the message framing intact.
package worker

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	appose "github.com/alanocallaghan/appose-go"
)

// maxMessageBytes bounds a single request line, mirroring the controller.
const maxMessageBytes = 64 << 20

// Worker executes submitted scripts and emits protocol responses. One
// worker serves one controller connection; each submitted task runs on its
// own goroutine with its own JavaScript runtime.
type Worker struct {
	logger *slog.Logger

	out     io.Writer
	writeMu sync.Mutex

	mu    sync.Mutex
	tasks map[string]*scriptTask
	wg    sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger configures the worker's logger. It must not write to the
// protocol stream.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// Run reads requests from stdin and writes responses to stdout until stdin
// is closed, then waits for running tasks to settle. The controller kills
// the process if that takes too long, so a stuck script cannot leak past
// the controller's grace period.
func Run(stdin io.Reader, stdout io.Writer, opts ...Option) error {
	w := &Worker{
		logger: slog.Default(),
		out:    stdout,
		tasks:  make(map[string]*scriptTask),
	}
	for _, opt := range opts {
		opt(w)
	}

	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)
	for sc.Scan() {
		req, err := appose.DecodeRequest(sc.Bytes())
		if err != nil {
			if !appose.IsNoise(err) {
				w.logger.Warn("dropping malformed request", "err", err)
			}
			continue
		}
		w.handle(req)
	}
	err := sc.Err()

	w.wg.Wait()
	return err
}

func (w *Worker) handle(req *appose.Request) {
	switch req.Type {
	case appose.RequestSubmit:
		w.submit(req)
	case appose.RequestCancel:
		w.cancel(req.Task)
	}
}

// submit registers the task and runs its script on a fresh goroutine.
func (w *Worker) submit(req *appose.Request) {
	st := newScriptTask(req.Task, w)

	w.mu.Lock()
	if _, exists := w.tasks[req.Task]; exists {
		w.mu.Unlock()
		w.respond(&appose.Response{
			Task:  req.Task,
			Type:  appose.ResponseFailure,
			Error: "duplicate task identifier",
		})
		return
	}
	w.tasks[req.Task] = st
	w.mu.Unlock()

	w.logger.Debug("task submitted", "task", req.Task)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.forget(req.Task)
		st.execute(req.Script, req.Inputs)
	}()
}

// cancel flags the task; the script decides when it is safe to stop.
// Cancellation is cooperative, never preemptive.
func (w *Worker) cancel(id string) {
	w.mu.Lock()
	st, ok := w.tasks[id]
	w.mu.Unlock()
	if !ok {
		w.logger.Debug("cancel for unknown task", "task", id)
		return
	}
	st.requestCancel()
}

func (w *Worker) forget(id string) {
	w.mu.Lock()
	delete(w.tasks, id)
	w.mu.Unlock()
}

// respond writes one response line. Task goroutines share the protocol
// stream, so writes are serialized.
func (w *Worker) respond(resp *appose.Response) {
	buf, err := json.Marshal(resp)
	if err != nil {
		w.logger.Error("encoding response", "task", resp.Task, "err", err)
		return
	}
	buf = append(buf, '\n')

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if _, err := w.out.Write(buf); err != nil {
		w.logger.Error("writing response", "task", resp.Task, "err", err)
	}
}
