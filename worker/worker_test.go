// Copyright 2026 The appose-go authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appose "github.com/alanocallaghan/appose-go"
)

// testWorker runs the worker loop over in-memory pipes and gives the test
// the controller's end of the conversation.
type testWorker struct {
	t      *testing.T
	stdin  *io.PipeWriter
	lines  *bufio.Scanner
	doneCh chan error
}

func startWorker(t *testing.T) *testWorker {
	t.Helper()
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	doneCh := make(chan error, 1)
	go func() {
		err := Run(stdinR, stdoutW, WithLogger(logger))
		_ = stdoutW.Close()
		doneCh <- err
	}()

	tw := &testWorker{
		t:      t,
		stdin:  stdinW,
		lines:  bufio.NewScanner(stdoutR),
		doneCh: doneCh,
	}
	t.Cleanup(tw.stop)
	return tw
}

func (tw *testWorker) stop() {
	_ = tw.stdin.Close()
	select {
	case <-tw.doneCh:
	case <-time.After(5 * time.Second):
		tw.t.Error("worker did not stop after stdin close")
	}
}

func (tw *testWorker) send(req *appose.Request) {
	tw.t.Helper()
	buf, err := json.Marshal(req)
	require.NoError(tw.t, err)
	_, err = tw.stdin.Write(append(buf, '\n'))
	require.NoError(tw.t, err)
}

func (tw *testWorker) sendRaw(line string) {
	tw.t.Helper()
	_, err := tw.stdin.Write([]byte(line + "\n"))
	require.NoError(tw.t, err)
}

// next reads the next protocol response, failing the test on noise so any
// stray output on the protocol stream is caught.
func (tw *testWorker) next() *appose.Response {
	tw.t.Helper()
	require.True(tw.t, tw.lines.Scan(), "worker output ended early: %v", tw.lines.Err())
	resp, err := appose.DecodeResponse(tw.lines.Bytes())
	require.NoError(tw.t, err, "non-protocol line on stdout: %q", tw.lines.Text())
	return resp
}

func submit(id, script string, inputs map[string]any) *appose.Request {
	encoded := make(map[string]json.RawMessage, len(inputs))
	for k, v := range inputs {
		raw, err := appose.MarshalValue(v)
		if err != nil {
			panic(err)
		}
		encoded[k] = raw
	}
	return &appose.Request{Task: id, Type: appose.RequestSubmit, Script: script, Inputs: encoded}
}

func TestWorker_Completion(t *testing.T) {
	tw := startWorker(t)

	tw.send(submit("t1", `task.outputs["y"] = x.reduce(function(a, b) { return a + b; }, 0)`,
		map[string]any{"x": []float64{1.0, 2.0, 3.0}}))

	resp := tw.next()
	require.Equal(t, appose.ResponseCompletion, resp.Type)
	require.Equal(t, "t1", resp.Task)

	y, err := appose.UnmarshalValue(resp.Outputs["y"])
	require.NoError(t, err)
	sum, ok := appose.Float64(y)
	require.True(t, ok)
	require.Equal(t, 6.0, sum)
}

// TestWorker_OutputsReassignment runs a script that replaces task.outputs
// with a fresh object instead of mutating it; the replacement must be what
// gets reported.
func TestWorker_OutputsReassignment(t *testing.T) {
	tw := startWorker(t)

	tw.send(submit("t1", `task.outputs = { y: x * 2 }`,
		map[string]any{"x": int64(21)}))

	resp := tw.next()
	require.Equal(t, appose.ResponseCompletion, resp.Type)

	y, err := appose.UnmarshalValue(resp.Outputs["y"])
	require.NoError(t, err)
	require.Equal(t, int64(42), y)
}

func TestWorker_Progress(t *testing.T) {
	tw := startWorker(t)

	tw.send(submit("t1", `
		for (let i = 1; i <= 3; i++) {
			task.update(i, 3);
		}
		task.outputs["done"] = true
	`, nil))

	for i := int64(1); i <= 3; i++ {
		resp := tw.next()
		require.Equal(t, appose.ResponseProgress, resp.Type)
		require.Equal(t, i, resp.Current)
		require.Equal(t, int64(3), resp.Maximum)
	}
	resp := tw.next()
	require.Equal(t, appose.ResponseCompletion, resp.Type)
}

func TestWorker_ScriptError(t *testing.T) {
	tw := startWorker(t)

	tw.send(submit("t1", `throw new Error("boom")`, nil))

	resp := tw.next()
	require.Equal(t, appose.ResponseFailure, resp.Type)
	require.Contains(t, resp.Error, "boom")
	require.Empty(t, resp.Outputs)
}

func TestWorker_CooperativeCancel(t *testing.T) {
	tw := startWorker(t)

	tw.send(submit("t1", `
		task.update(0, 1);
		while (!task.cancelRequested()) {
		}
		task.cancel();
	`, nil))

	resp := tw.next()
	require.Equal(t, appose.ResponseProgress, resp.Type)

	tw.send(&appose.Request{Task: "t1", Type: appose.RequestCancel})

	resp = tw.next()
	require.Equal(t, appose.ResponseCancellation, resp.Type)
	require.Equal(t, "t1", resp.Task)
}

// TestWorker_CompletionAfterCancelRequest checks that a script which runs
// to completion despite a cancel request still completes: the worker
// decides, and the terminal message reflects what actually happened.
func TestWorker_CompletionAfterCancelRequest(t *testing.T) {
	tw := startWorker(t)

	tw.send(submit("t1", `
		task.update(0, 1);
		while (!task.cancelRequested()) {
		}
		task.outputs["finished"] = true
	`, nil))

	resp := tw.next()
	require.Equal(t, appose.ResponseProgress, resp.Type)

	tw.send(&appose.Request{Task: "t1", Type: appose.RequestCancel})

	resp = tw.next()
	require.Equal(t, appose.ResponseCompletion, resp.Type)
}

func TestWorker_DuplicateTaskID(t *testing.T) {
	tw := startWorker(t)

	blocked := `
		task.update(0, 1);
		while (!task.cancelRequested()) {
		}
		task.cancel();
	`
	tw.send(submit("t1", blocked, nil))
	resp := tw.next()
	require.Equal(t, appose.ResponseProgress, resp.Type)

	tw.send(submit("t1", `task.outputs["x"] = 1`, nil))
	resp = tw.next()
	require.Equal(t, appose.ResponseFailure, resp.Type)
	require.Contains(t, resp.Error, "duplicate")

	tw.send(&appose.Request{Task: "t1", Type: appose.RequestCancel})
	resp = tw.next()
	require.Equal(t, appose.ResponseCancellation, resp.Type)
}

func TestWorker_IgnoresGarbageInput(t *testing.T) {
	tw := startWorker(t)

	tw.sendRaw("this is not a request")
	tw.sendRaw(`{"requestType":"NOPE","task":"zzz"}`)
	tw.send(&appose.Request{Task: "ghost", Type: appose.RequestCancel})
	tw.send(submit("t1", `task.outputs["ok"] = 1`, nil))

	resp := tw.next()
	require.Equal(t, appose.ResponseCompletion, resp.Type)
	require.Equal(t, "t1", resp.Task)
}

func TestWorker_ConsoleStaysOffProtocolStream(t *testing.T) {
	tw := startWorker(t)

	tw.send(submit("t1", `
		console.log("hello from the script");
		task.outputs["ok"] = 1
	`, nil))

	// next() rejects any non-protocol line, so a console.log leaking onto
	// stdout fails here.
	resp := tw.next()
	require.Equal(t, appose.ResponseCompletion, resp.Type)
}

func TestWorker_InputTypes(t *testing.T) {
	tw := startWorker(t)

	tw.send(submit("t1", `
		task.outputs["big"] = big;
		task.outputs["half"] = half + 0.25;
		task.outputs["n"] = xs.length;
	`, map[string]any{
		"big":  int64(1) << 60,
		"half": 0.5,
		"xs":   []int64{1, 2, 3, 4},
	}))

	resp := tw.next()
	require.Equal(t, appose.ResponseCompletion, resp.Type)

	big, err := appose.UnmarshalValue(resp.Outputs["big"])
	require.NoError(t, err)
	require.Equal(t, int64(1)<<60, big)

	half, err := appose.UnmarshalValue(resp.Outputs["half"])
	require.NoError(t, err)
	require.Equal(t, 0.75, half)

	n, err := appose.UnmarshalValue(resp.Outputs["n"])
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
}

func TestWorker_ReservedInputName(t *testing.T) {
	tw := startWorker(t)

	tw.send(submit("t1", `task.outputs["x"] = 1`, map[string]any{"task": 1}))

	resp := tw.next()
	require.Equal(t, appose.ResponseFailure, resp.Type)
	require.Contains(t, resp.Error, "task")
}
