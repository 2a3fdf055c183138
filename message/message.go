// Package message defines the messages exchanged between the test process and
// the application process.
//
// Every message is serialized by the codec layer and wrapped in a protocol frame.
// The frame kind tells the receiver which message type the body holds.
package message

import (
	"errors"

	"greybridge/rpcerr"
	"greybridge/value"
)

// Invocation describes "call Method on Target with Args".
//
//   - Target is a handle exported by the receiving side; 0 addresses the
//     class-level singleton registered under Class.
//   - Returns is the kind the caller expects back (value.KindAny skips the check).
//   - TimeoutMillis bounds idle waiting and execution on the receiving side.
type Invocation struct {
	Target        uint64        `json:"target,omitempty"`
	Class         string        `json:"class"`
	Method        string        `json:"method"`
	Args          []value.Value `json:"args,omitempty"`
	Returns       value.Kind    `json:"returns"`
	TimeoutMillis uint32        `json:"timeout_ms,omitempty"`
}

// Selector returns the method identity, e.g. "Window.Title".
func (inv *Invocation) Selector() string {
	return inv.Class + "." + inv.Method
}

// Result carries the return value of a completed invocation.
type Result struct {
	Value value.Value `json:"value"`
}

// ErrorPayload carries a failed invocation back to the caller.
//
// For remote errors Name and Message are those of the error raised by the
// invoked method. For framework errors Name is the failure code.
type ErrorPayload struct {
	Kind    rpcerr.Kind `json:"kind"`
	Name    string      `json:"name,omitempty"`
	Message string      `json:"message"`
	Class   string      `json:"class,omitempty"`
	Method  string      `json:"method,omitempty"`
}

// Failure codes used as ErrorPayload.Name for framework errors.
const (
	CodeUnknownHandle  = "unknown-handle"
	CodeTargetNotFound = "target-not-found"
)

// ErrorFrom converts err into a payload. Errors implementing rpcerr.Named
// choose their own name.
func ErrorFrom(err error, inv *Invocation) *ErrorPayload {
	p := &ErrorPayload{Kind: rpcerr.KindOf(err), Message: err.Error()}
	if inv != nil {
		p.Class, p.Method = inv.Class, inv.Method
	}
	var framework *rpcerr.Error
	if errors.As(err, &framework) && framework.Detail != "" {
		p.Message = framework.Detail
	}
	var remote *rpcerr.RemoteError
	switch {
	case errors.As(err, &remote):
		p.Name, p.Message = remote.Name, remote.Message
	case errors.Is(err, rpcerr.ErrUnknownHandle):
		p.Name = CodeUnknownHandle
	case errors.Is(err, rpcerr.ErrTargetNotFound):
		p.Name = CodeTargetNotFound
	}
	return p
}

// Err turns the payload back into an error on the caller's side.
func (p *ErrorPayload) Err() error {
	if p.Kind == rpcerr.KindRemote {
		return &rpcerr.RemoteError{Name: p.Name, Message: p.Message, Class: p.Class, Method: p.Method}
	}
	sentinel := rpcerr.Sentinel(p.Kind, p.Name == CodeUnknownHandle)
	return &rpcerr.Error{Op: p.Class + "." + p.Method, Detail: p.Message, Err: sentinel}
}

// Hello opens a session. The dialing side sends it right after connecting.
type Hello struct {
	Session string     `json:"session"`
	Version byte       `json:"version"`
	Side    value.Side `json:"side"`
	App     string     `json:"app,omitempty"`
}

// HelloAck answers a Hello.
type HelloAck struct {
	Session  string     `json:"session"`
	Accepted bool       `json:"accepted"`
	Side     value.Side `json:"side"`
	Reason   string     `json:"reason,omitempty"`
}

// Release tells the exporting side that the peer no longer needs the handles.
type Release struct {
	Handles []uint64 `json:"handles"`
}

// Outcome is what the dispatch pipeline produces for one invocation: a value
// or an error, never both.
type Outcome struct {
	Value value.Value
	Err   error
}

// Fail builds a failed outcome.
func Fail(err error) *Outcome {
	return &Outcome{Err: err}
}

// OK builds a successful outcome.
func OK(v value.Value) *Outcome {
	return &Outcome{Value: v}
}
