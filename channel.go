// Copyright 2026 The appose-go authors
// SPDX-License-Identifier: Apache-2.0

package appose

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// maxMessageBytes bounds a single protocol line; numeric array payloads
	// can get large.
	maxMessageBytes = 64 << 20

	// maxConsecutiveProtocolErrors is the run of dropped malformed messages
	// after which the stream is considered garbage and the channel faults.
	maxConsecutiveProtocolErrors = 10
)

// channel owns one live worker process and its communication streams.
// The protocol rides on stdin/stdout; stderr is drained line by line into
// the logger so worker diagnostics can never corrupt message framing.
//
// Writes are serialized by a transport lock. A single reader goroutine
// decodes stdout and hands responses to the dispatch callback, making it
// the only writer of task state.
type channel struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger
	grace  time.Duration

	dispatch func(*Response)
	fault    func(error)

	writeMu sync.Mutex
	closing atomic.Bool
	killed  atomic.Bool

	readers *errgroup.Group
	waitCh  chan error

	closeOnce sync.Once
	closeErr  error
}

// openChannel spawns the worker process for env and wires up the channel.
func openChannel(env *Environment, extraArgs []string, logger *slog.Logger, grace time.Duration, dispatch func(*Response), fault func(error)) (*channel, error) {
	cmd := exec.Command(env.Worker, append(append([]string(nil), env.Args...), extraArgs...)...)
	cmd.Env = append(os.Environ(), env.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &EnvError{Spec: env.Name, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &EnvError{Spec: env.Name, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &EnvError{Spec: env.Name, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &EnvError{Spec: env.Name, Err: fmt.Errorf("spawning %s: %w", env.Worker, err)}
	}
	logger.Debug("worker spawned", "exe", env.Worker, "pid", cmd.Process.Pid)

	return newChannel(stdin, stdout, stderr, cmd, logger, grace, dispatch, fault), nil
}

// newChannel assembles a channel over explicit streams. cmd may be nil when
// the transport is not a real process (tests use in-memory pipes).
func newChannel(stdin io.WriteCloser, stdout, stderr io.Reader, cmd *exec.Cmd, logger *slog.Logger, grace time.Duration, dispatch func(*Response), fault func(error)) *channel {
	c := &channel{
		cmd:      cmd,
		stdin:    stdin,
		logger:   logger,
		grace:    grace,
		dispatch: dispatch,
		fault:    fault,
		readers:  &errgroup.Group{},
		waitCh:   make(chan error, 1),
	}
	c.readers.Go(func() error { return c.readLoop(stdout) })
	if stderr != nil {
		c.readers.Go(func() error { return c.stderrLoop(stderr) })
	}
	// Reap the process only after both readers stopped: exec.Cmd.Wait
	// closes the pipes under them otherwise.
	go func() {
		_ = c.readers.Wait()
		if c.cmd != nil {
			c.waitCh <- c.cmd.Wait()
		} else {
			c.waitCh <- nil
		}
	}()
	return c
}

// send writes one request line. Requests from concurrent tasks are
// serialized here so interleaved writes can never corrupt a message.
func (c *channel) send(req *Request) error {
	buf, err := json.Marshal(req)
	if err != nil {
		return err
	}
	buf = append(buf, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closing.Load() {
		return ErrServiceClosed
	}
	if _, err := c.stdin.Write(buf); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// readLoop decodes the worker's output stream. Unframed lines are worker
// diagnostics and are skipped; malformed protocol messages are dropped, and
// a long enough run of them faults the channel.
func (c *channel) readLoop(stdout io.Reader) error {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)

	protoErrs := 0
	for sc.Scan() {
		line := sc.Bytes()
		resp, err := DecodeResponse(line)
		switch {
		case err == nil:
			protoErrs = 0
			c.dispatch(resp)
		case IsNoise(err):
			if len(bytes.TrimSpace(line)) > 0 {
				c.logger.Debug("worker diagnostic", "line", string(line))
			}
		default:
			protoErrs++
			c.logger.Warn("dropping malformed message", "err", err)
			if protoErrs >= maxConsecutiveProtocolErrors {
				ferr := &TransportError{Op: "read", Err: fmt.Errorf("%d consecutive protocol errors", protoErrs)}
				c.fault(ferr)
				return ferr
			}
		}
	}

	if c.closing.Load() {
		return nil
	}
	// The worker went away while we still expected messages.
	err := sc.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	ferr := &TransportError{Op: "read", Err: err}
	c.fault(ferr)
	return ferr
}

// stderrLoop forwards the worker's native logging to our logger.
func (c *channel) stderrLoop(stderr io.Reader) error {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)
	for sc.Scan() {
		c.logger.Debug("worker stderr", "line", sc.Text())
	}
	return nil
}

// close shuts the channel down: signal the worker to stop by closing its
// stdin, wait up to the grace period for a clean exit, then kill. Idempotent
// and never leaves an orphaned process.
func (c *channel) close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.writeMu.Lock()
		_ = c.stdin.Close()
		c.writeMu.Unlock()

		var waitErr error
		select {
		case waitErr = <-c.waitCh:
		case <-time.After(c.grace):
			if c.cmd == nil || c.cmd.Process == nil {
				c.closeErr = errors.New("channel readers did not stop within the grace period")
				return
			}
			c.logger.Warn("worker unresponsive, killing", "pid", c.cmd.Process.Pid)
			c.killed.Store(true)
			_ = c.cmd.Process.Kill()
			waitErr = <-c.waitCh
		}

		if c.cmd != nil && c.cmd.ProcessState != nil {
			c.logger.Debug("worker exited", "code", c.cmd.ProcessState.ExitCode())
		}
		if waitErr != nil && !c.killed.Load() {
			c.closeErr = fmt.Errorf("worker exit: %w", waitErr)
		}
	})
	return c.closeErr
}
