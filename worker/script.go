// Copyright 2026 The appose-go authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"

	appose "github.com/alanocallaghan/appose-go"
)

// cancelInterrupt is the interrupt value used when a script accepts a
// cancel request, so it can be told apart from any other interruption.
type cancelInterrupt struct{}

// scriptTask is the worker-side view of one submitted task.
type scriptTask struct {
	id     string
	worker *Worker

	canceled atomic.Bool
}

func newScriptTask(id string, w *Worker) *scriptTask {
	return &scriptTask{id: id, worker: w}
}

// requestCancel flags the task as cancel-requested. The script observes the
// flag through task.cancelRequested() and stops when it chooses to.
func (st *scriptTask) requestCancel() {
	st.canceled.Store(true)
}

// execute runs the script on a fresh JavaScript runtime and emits exactly
// one terminal response.
//
// The script sees each input bound as a global, plus a task object:
//
//	task.outputs           object collecting named outputs
//	task.update(cur, max)  emit a progress message
//	task.cancelRequested() whether the controller asked to cancel
//	task.cancel()          stop now, acknowledging the cancel request
func (st *scriptTask) execute(script string, inputs map[string]json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			st.worker.logger.Error("script runtime panic", "task", st.id, "err", r)
			st.fail(fmt.Sprintf("worker panic: %v", r))
		}
	}()

	vm := goja.New()
	new(require.Registry).Enable(vm)
	console.Enable(vm)

	for k, raw := range inputs {
		if k == "task" {
			st.fail(`input name "task" collides with the task object`)
			return
		}
		v, err := appose.UnmarshalValue(raw)
		if err != nil {
			st.fail(fmt.Sprintf("input %q: %v", k, err))
			return
		}
		_ = vm.Set(k, v)
	}

	outputs := vm.NewObject()
	taskObj := vm.NewObject()
	_ = taskObj.Set("outputs", outputs)
	_ = taskObj.Set("update", func(current, maximum int64) {
		st.worker.respond(&appose.Response{
			Task:    st.id,
			Type:    appose.ResponseProgress,
			Current: current,
			Maximum: maximum,
		})
	})
	_ = taskObj.Set("cancelRequested", func() bool {
		return st.canceled.Load()
	})
	_ = taskObj.Set("cancel", func() {
		vm.Interrupt(cancelInterrupt{})
	})
	_ = vm.Set("task", taskObj)

	if _, err := vm.RunScript(st.id, script); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if _, ok := interrupted.Value().(cancelInterrupt); ok {
				st.worker.logger.Debug("task canceled", "task", st.id)
				st.worker.respond(&appose.Response{Task: st.id, Type: appose.ResponseCancellation})
				return
			}
		}
		st.worker.logger.Debug("task failed", "task", st.id, "err", err)
		st.fail(err.Error())
		return
	}

	// Read the property back off the task object, so a script that
	// reassigns task.outputs wholesale is honored like one that mutates it.
	encoded, err := encodeOutputs(taskObj.Get("outputs"))
	if err != nil {
		st.fail(err.Error())
		return
	}
	st.worker.logger.Debug("task completed", "task", st.id, "outputs", len(encoded))
	st.worker.respond(&appose.Response{
		Task:    st.id,
		Type:    appose.ResponseCompletion,
		Outputs: encoded,
	})
}

func (st *scriptTask) fail(message string) {
	st.worker.respond(&appose.Response{
		Task:  st.id,
		Type:  appose.ResponseFailure,
		Error: message,
	})
}

// encodeOutputs exports the script's outputs value and encodes each entry
// for the wire.
func encodeOutputs(outputs goja.Value) (map[string]json.RawMessage, error) {
	if outputs == nil || goja.IsUndefined(outputs) || goja.IsNull(outputs) {
		return nil, nil
	}
	exported, ok := outputs.Export().(map[string]any)
	if !ok || len(exported) == 0 {
		return nil, nil
	}
	encoded := make(map[string]json.RawMessage, len(exported))
	for k, v := range exported {
		raw, err := appose.MarshalValue(v)
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", k, err)
		}
		encoded[k] = raw
	}
	return encoded, nil
}
