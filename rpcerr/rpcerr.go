// Package rpcerr defines the failure taxonomy of the remote invocation layer.
//
// Framework failures (marshal, connection, resolution, idle timeout, invocation
// timeout) abort the current test step. Remote errors are the ones raised by the
// invoked method itself; they come back to the caller as *RemoteError values so
// test code can assert on them.
package rpcerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindInternal    Kind = 0
	KindMarshal     Kind = 1 // non-marshalable argument or return value
	KindConnection  Kind = 2 // handshake failure, mid-call disconnect, remote crash
	KindResolution  Kind = 3 // unknown/stale handle, target not found
	KindIdleTimeout Kind = 4 // application never quiesced
	KindRemote      Kind = 5 // invoked method returned an error
	KindTimeout     Kind = 6 // per-invocation deadline elapsed
)

func (k Kind) String() string {
	switch k {
	case KindMarshal:
		return "marshal"
	case KindConnection:
		return "connection"
	case KindResolution:
		return "resolution"
	case KindIdleTimeout:
		return "idle-timeout"
	case KindRemote:
		return "remote"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

var (
	ErrNonMarshalable    = errors.New("non-marshalable type")
	ErrHandshake         = errors.New("could not establish connection")
	ErrConnectionLost    = errors.New("connection lost")
	ErrUnknownHandle     = errors.New("unknown handle")
	ErrTargetNotFound    = errors.New("target not found")
	ErrIdleTimeout       = errors.New("application failed to idle")
	ErrInvocationTimeout = errors.New("invocation timed out")
	ErrInternal          = errors.New("internal dispatch error")
)

var kindOf = map[error]Kind{
	ErrNonMarshalable:    KindMarshal,
	ErrHandshake:         KindConnection,
	ErrConnectionLost:    KindConnection,
	ErrUnknownHandle:     KindResolution,
	ErrTargetNotFound:    KindResolution,
	ErrIdleTimeout:       KindIdleTimeout,
	ErrInvocationTimeout: KindTimeout,
	ErrInternal:          KindInternal,
}

// Sentinel returns the sentinel error for a wire kind and detail. Resolution
// failures are split by detail since both map to the same kind.
func Sentinel(k Kind, unknownHandle bool) error {
	switch k {
	case KindMarshal:
		return ErrNonMarshalable
	case KindConnection:
		return ErrConnectionLost
	case KindResolution:
		if unknownHandle {
			return ErrUnknownHandle
		}
		return ErrTargetNotFound
	case KindIdleTimeout:
		return ErrIdleTimeout
	case KindTimeout:
		return ErrInvocationTimeout
	default:
		return ErrInternal
	}
}

// Error is a framework failure: a sentinel plus the operation and detail.
type Error struct {
	Op     string // e.g. "encode", "connect", "Window.Title"
	Detail string
	Err    error // one of the sentinels
}

// New builds an *Error around a sentinel.
func New(op string, sentinel error, format string, args ...any) *Error {
	return &Error{Op: op, Detail: fmt.Sprintf(format, args...), Err: sentinel}
}

func (e *Error) Error() string {
	msg := e.Err.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Kind reports the taxonomy kind of the wrapped sentinel.
func (e *Error) Kind() Kind {
	if k, ok := kindOf[e.Err]; ok {
		return k
	}
	return KindInternal
}

// RemoteError is an error raised by the invoked method on the peer, with its
// original identity and message preserved across the boundary.
type RemoteError struct {
	Name    string // error type name, e.g. "IndexOutOfBounds"
	Message string
	Class   string
	Method  string
}

func (e *RemoteError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("remote %s.%s: %s", e.Class, e.Method, e.Message)
	}
	return fmt.Sprintf("remote %s.%s: %s: %s", e.Class, e.Method, e.Name, e.Message)
}

// Named lets an application error choose the name carried to the caller.
type Named interface {
	Named() string
}

// KindOf classifies any error produced by this module.
func KindOf(err error) Kind {
	var remote *RemoteError
	if errors.As(err, &remote) {
		return KindRemote
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	for sentinel, k := range kindOf {
		if errors.Is(err, sentinel) {
			return k
		}
	}
	return KindInternal
}

// IsFramework reports whether err is a framework-level failure rather than an
// error raised by the invoked method.
func IsFramework(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) != KindRemote
}

// IsRemote reports whether err was raised by the invoked method.
func IsRemote(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote)
}
