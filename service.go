// Copyright 2026 The appose-go authors
// SPDX-License-Identifier: Apache-2.0

package appose

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service is a facade over one worker process channel. It creates and
// tracks the tasks sharing that worker. Construction spawns the worker;
// Close tears it down. There is no implicit singleton: the caller owns the
// Service lifecycle.
type Service struct {
	env        *Environment
	logger     *slog.Logger
	grace      time.Duration
	workerArgs []string

	ch *channel

	mu      sync.Mutex
	tasks   map[string]*Task
	closed  bool
	faulted error
}

// ServiceOption configures a Service before its worker is spawned.
type ServiceOption func(*Service)

// WithLogger configures the logger used by the service and its channel.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGracePeriod configures how long Close waits for the worker to exit
// before killing it.
func WithGracePeriod(grace time.Duration) ServiceOption {
	return func(s *Service) {
		if grace > 0 {
			s.grace = grace
		}
	}
}

// WithWorkerArgs appends extra command-line arguments to the spawned worker,
// after any arguments fixed by the environment.
func WithWorkerArgs(args ...string) ServiceOption {
	return func(s *Service) {
		s.workerArgs = append(s.workerArgs, args...)
	}
}

// NewService spawns a worker process for env and returns the service that
// owns it. The returned service must be closed to release the process.
func NewService(env *Environment, opts ...ServiceOption) (*Service, error) {
	if env == nil {
		return nil, fmt.Errorf("environment must be provided")
	}
	s := &Service{
		env:    env,
		logger: slog.Default(),
		grace:  5 * time.Second,
		tasks:  make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("env", env.Name)

	ch, err := openChannel(env, s.workerArgs, s.logger, s.grace, s.dispatch, s.fault)
	if err != nil {
		return nil, err
	}
	s.ch = ch
	return s, nil
}

// Task creates and registers a new task in StatusQueued without starting
// it. Inputs must be serializable scalars, numeric arrays, or string-keyed
// mappings of those; they are validated and encoded here so Start cannot
// fail on a bad value later. Safe for concurrent use.
func (s *Service) Task(script string, inputs map[string]any) (*Task, error) {
	encoded, err := marshalInputs(inputs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServiceClosed
	}
	if s.faulted != nil {
		return nil, s.faulted
	}
	t := newTask(uuid.NewString(), script, encoded, s)
	s.tasks[t.id] = t
	s.logger.Debug("task created", "task", t.id)
	return t, nil
}

// Tasks returns a snapshot of all tasks created on this service.
func (s *Service) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out
}

// Close shuts down the worker channel and forcibly cancels every
// non-terminal task. Safe to call more than once.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	remaining := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		remaining = append(remaining, t)
	}
	s.mu.Unlock()

	err := s.ch.close()

	// The reader is stopped now, so these transitions cannot race a late
	// terminal message.
	for _, t := range remaining {
		t.forceCancel()
	}
	return err
}

// send forwards a task request to the channel. Part of the sender contract.
func (s *Service) send(req *Request) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServiceClosed
	}
	if s.faulted != nil {
		s.mu.Unlock()
		return s.faulted
	}
	s.mu.Unlock()
	return s.ch.send(req)
}

// dispatch routes one worker response to its task. Runs on the channel's
// reader goroutine.
func (s *Service) dispatch(resp *Response) {
	s.mu.Lock()
	t, ok := s.tasks[resp.Task]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("message for unknown task", "task", resp.Task, "type", string(resp.Type))
		return
	}
	t.apply(resp)
}

// fault marks the service unusable after a transport failure: in-flight
// tasks fail with the transport error and the worker is torn down. Runs on
// the reader goroutine, so the actual close happens off it.
func (s *Service) fault(err error) {
	s.mu.Lock()
	if s.faulted == nil {
		s.faulted = err
	}
	inFlight := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		inFlight = append(inFlight, t)
	}
	s.mu.Unlock()

	s.logger.Error("channel fault", "err", err)
	for _, t := range inFlight {
		if t.Status() == StatusRunning {
			t.failTransport(err)
		}
	}
	go func() { _ = s.Close() }()
}
