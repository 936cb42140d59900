package node

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	// ErrSecurity matches invocations rejected because their target id is not
	// exported, whether raised locally or reported by the peer.
	ErrSecurity = errors.New("node: invocation of unregistered object")
	// ErrReleased is returned when a released handle is used.
	ErrReleased = errors.New("node: handle released")
	// ErrForeignHandle is returned when a handle is used through a node that
	// did not import it.
	ErrForeignHandle = errors.New("node: handle belongs to another node")
)

// Error type names with a fixed meaning on the wire.
const (
	TypeSecurityError = "SecurityError"
	TypePanic         = "panic"
	TypeMethodError   = "NoMethodError"
	TypeArgumentError = "ArgumentError"
)

// SecurityError rejects a request naming an id that is not in the exported
// table. The connection stays open.
type SecurityError struct {
	ID     uint64
	Method string
}

func (e *SecurityError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("node: id %d is not exported", e.ID)
	}
	return fmt.Sprintf("node: invoke %s on id %d: not exported", e.Method, e.ID)
}

func (e *SecurityError) Is(target error) bool { return target == ErrSecurity }

// MethodError reports a method name the target does not have.
type MethodError struct {
	TypeName string
	Method   string
}

func (e *MethodError) Error() string {
	return fmt.Sprintf("node: %s has no method %s", e.TypeName, e.Method)
}

// ArgumentError reports arguments that do not fit the target method.
type ArgumentError struct {
	Method string
	Err    error
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("node: bad arguments for %s: %v", e.Method, e.Err)
}

func (e *ArgumentError) Unwrap() error { return e.Err }

// PanicError wraps a value recovered from a panicking method.
type PanicError struct {
	Value any
	Trace []string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// RemoteError is a failure reported by the peer, rebuilt at the call site.
type RemoteError struct {
	Type        string
	Message     string
	RemoteTrace []string
	LocalTrace  []string
}

func (e *RemoteError) Error() string {
	return "remote " + e.Type + ": " + e.Message
}

// Backtrace returns the remote frames followed by the local call site.
func (e *RemoteError) Backtrace() []string {
	out := make([]string, 0, len(e.RemoteTrace)+len(e.LocalTrace))
	out = append(out, e.RemoteTrace...)
	return append(out, e.LocalTrace...)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrSecurity && e.Type == TypeSecurityError
}

// errorType names err on the wire.
func errorType(err error) string {
	var (
		serr *SecurityError
		merr *MethodError
		aerr *ArgumentError
		perr *PanicError
		rerr *RemoteError
	)
	switch {
	case errors.As(err, &serr):
		return TypeSecurityError
	case errors.As(err, &perr):
		return TypePanic
	case errors.As(err, &merr):
		return TypeMethodError
	case errors.As(err, &aerr):
		return TypeArgumentError
	case errors.As(err, &rerr):
		return rerr.Type
	}
	return strings.TrimPrefix(reflect.TypeOf(err).String(), "*")
}
