// Copyright 2026 The appose-go authors
// SPDX-License-Identifier: Apache-2.0

package appose

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// RequestType identifies a controller-to-worker message kind.
type RequestType string

const (
	RequestSubmit RequestType = "SUBMIT" // Submit a script with inputs for execution
	RequestCancel RequestType = "CANCEL" // Ask the worker to stop a task cooperatively
)

// ResponseType identifies a worker-to-controller message kind.
type ResponseType string

const (
	ResponseProgress     ResponseType = "PROGRESS"     // Progress counter update
	ResponseCompletion   ResponseType = "COMPLETION"   // Task finished, outputs attached
	ResponseCancellation ResponseType = "CANCELLATION" // Worker acknowledged a cancel request
	ResponseFailure      ResponseType = "FAILURE"      // Script raised an error
)

// Request is one controller-to-worker message. Every request names the task
// it belongs to, so multiple tasks can share one channel.
type Request struct {
	Task   string                     `json:"task"`              // Task identifier
	Type   RequestType                `json:"requestType"`       // Message kind
	Script string                     `json:"script,omitempty"`  // Script text (SUBMIT only)
	Inputs map[string]json.RawMessage `json:"inputs,omitempty"`  // Encoded named inputs (SUBMIT only)
}

// Response is one worker-to-controller message.
type Response struct {
	Task    string                     `json:"task"`              // Task identifier
	Type    ResponseType               `json:"responseType"`      // Message kind
	Current int64                      `json:"current,omitempty"` // Progress position (PROGRESS only)
	Maximum int64                      `json:"maximum,omitempty"` // Progress bound (PROGRESS only)
	Outputs map[string]json.RawMessage `json:"outputs,omitempty"` // Encoded named outputs (COMPLETION only)
	Error   string                     `json:"error,omitempty"`   // Error description (FAILURE only)
}

// errNoise marks a line that is not a protocol message at all: worker-native
// logging interleaved with the protocol stream. Such lines are skipped.
var errNoise = errors.New("not a protocol message")

// ProtocolError reports a line that claims to be a protocol message but
// cannot be decoded as one. The offending message is dropped; a run of
// consecutive protocol errors on one channel escalates to a transport fault.
type ProtocolError struct {
	Reason string
	Line   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s in %q", e.Reason, e.Line)
}

// looksFramed reports whether a line is shaped like a protocol record:
// a JSON object containing the given kind discriminator key. Anything else
// is diagnostic noise.
func looksFramed(line []byte, kindKey string) bool {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return false
	}
	_, ok := probe[kindKey]
	return ok
}

// DecodeResponse decodes one line of the worker's output stream.
// Lines that do not match the message framing yield errNoise (reported to
// callers as a nil response with a noise classification); framed lines that
// fail validation yield a *ProtocolError.
func DecodeResponse(line []byte) (*Response, error) {
	if !looksFramed(line, "responseType") {
		return nil, errNoise
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, &ProtocolError{Reason: err.Error(), Line: string(line)}
	}
	if resp.Task == "" {
		return nil, &ProtocolError{Reason: "missing task identifier", Line: string(line)}
	}
	switch resp.Type {
	case ResponseProgress:
		if resp.Current < 0 || resp.Maximum < 0 {
			return nil, &ProtocolError{Reason: "negative progress counter", Line: string(line)}
		}
	case ResponseCompletion, ResponseCancellation, ResponseFailure:
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown response type %q", resp.Type), Line: string(line)}
	}
	return &resp, nil
}

// DecodeRequest decodes one line of the controller's command stream, with
// the same noise tolerance as DecodeResponse.
func DecodeRequest(line []byte) (*Request, error) {
	if !looksFramed(line, "requestType") {
		return nil, errNoise
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, &ProtocolError{Reason: err.Error(), Line: string(line)}
	}
	if req.Task == "" {
		return nil, &ProtocolError{Reason: "missing task identifier", Line: string(line)}
	}
	switch req.Type {
	case RequestSubmit, RequestCancel:
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown request type %q", req.Type), Line: string(line)}
	}
	return &req, nil
}

// IsNoise reports whether a decode error classifies the line as diagnostic
// noise rather than a malformed protocol message.
func IsNoise(err error) bool {
	return errors.Is(err, errNoise)
}

// MarshalValue encodes a task input or output value for the wire.
//
// Supported values: signed/unsigned integers (64-bit exact), float32/float64
// (finite values round-trip exactly; floats always carry a '.' or exponent so
// the integer/float distinction survives decoding), bool, string, nil,
// homogeneous numeric slices, []any, and string-keyed maps of the above.
func MarshalValue(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case bool, string:
		return json.Marshal(x)
	case int:
		return appendInt(int64(x)), nil
	case int8:
		return appendInt(int64(x)), nil
	case int16:
		return appendInt(int64(x)), nil
	case int32:
		return appendInt(int64(x)), nil
	case int64:
		return appendInt(x), nil
	case uint:
		return marshalUint(uint64(x))
	case uint8:
		return appendInt(int64(x)), nil
	case uint16:
		return appendInt(int64(x)), nil
	case uint32:
		return appendInt(int64(x)), nil
	case uint64:
		return marshalUint(x)
	case float32:
		return appendFloat(float64(x))
	case float64:
		return appendFloat(x)
	case []float64:
		return marshalSlice(len(x), func(i int) (json.RawMessage, error) { return appendFloat(x[i]) })
	case []float32:
		return marshalSlice(len(x), func(i int) (json.RawMessage, error) { return appendFloat(float64(x[i])) })
	case []int64:
		return marshalSlice(len(x), func(i int) (json.RawMessage, error) { return appendInt(x[i]), nil })
	case []int:
		return marshalSlice(len(x), func(i int) (json.RawMessage, error) { return appendInt(int64(x[i])), nil })
	case []any:
		return marshalSlice(len(x), func(i int) (json.RawMessage, error) { return MarshalValue(x[i]) })
	case map[string]any:
		return marshalMap(x)
	case json.RawMessage:
		if !json.Valid(x) {
			return nil, fmt.Errorf("invalid raw JSON value")
		}
		return x, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func appendInt(v int64) json.RawMessage {
	return json.RawMessage(strconv.AppendInt(nil, v, 10))
}

func marshalUint(v uint64) (json.RawMessage, error) {
	if v > math.MaxInt64 {
		return nil, fmt.Errorf("unsigned value %d overflows int64", v)
	}
	return appendInt(int64(v)), nil
}

// appendFloat renders a float in its shortest round-trip form, forcing a
// decimal point or exponent so decoders never mistake it for an integer.
func appendFloat(v float64) (json.RawMessage, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("cannot encode non-finite float %v", v)
	}
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.RawMessage(s), nil
}

func marshalSlice(n int, elem func(int) (json.RawMessage, error)) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i := 0; i < n; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		raw, err := elem(i)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		buf.Write(raw)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// marshalMap encodes with sorted keys so the wire form is deterministic.
func marshalMap(m map[string]any) (json.RawMessage, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		raw, err := MarshalValue(m[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalValue decodes a wire value. Numbers carrying a '.' or exponent
// decode as float64, all others as int64, so 64-bit integers never lose
// precision through an intermediate float.
func UnmarshalValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return convertNumbers(v)
}

func convertNumbers(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		s := x.String()
		if strings.ContainsAny(s, ".eE") {
			return x.Float64()
		}
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		// Out of int64 range; the closest double is the best we can do.
		return x.Float64()
	case []any:
		for i, e := range x {
			c, err := convertNumbers(e)
			if err != nil {
				return nil, err
			}
			x[i] = c
		}
		return x, nil
	case map[string]any:
		for k, e := range x {
			c, err := convertNumbers(e)
			if err != nil {
				return nil, err
			}
			x[k] = c
		}
		return x, nil
	default:
		return v, nil
	}
}

// marshalInputs validates and encodes a task input mapping.
func marshalInputs(inputs map[string]any) (map[string]json.RawMessage, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	encoded := make(map[string]json.RawMessage, len(inputs))
	for k, v := range inputs {
		raw, err := MarshalValue(v)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", k, err)
		}
		encoded[k] = raw
	}
	return encoded, nil
}

// decodeOutputs decodes an output mapping, leaving values it cannot decode
// as raw JSON rather than failing the whole completion.
func decodeOutputs(outputs map[string]json.RawMessage) map[string]any {
	if len(outputs) == 0 {
		return nil
	}
	decoded := make(map[string]any, len(outputs))
	for k, raw := range outputs {
		v, err := UnmarshalValue(raw)
		if err != nil {
			decoded[k] = raw
			continue
		}
		decoded[k] = v
	}
	return decoded
}

// Float64 coerces a decoded numeric value to float64. It accepts the two
// numeric types produced by UnmarshalValue.
func Float64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

// Float64s coerces a decoded array value to []float64.
func Float64s(v any) ([]float64, bool) {
	switch x := v.(type) {
	case []float64:
		return x, true
	case []any:
		out := make([]float64, len(x))
		for i, e := range x {
			f, ok := Float64(e)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}
