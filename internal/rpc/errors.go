// Package rpc models the app-server JSON-RPC surface (§6.1) as a Go
// interface with no transport: the transport (HTTP/stdio framing) is an
// external collaborator per spec §1, out of the kernel's scope. This
// package exists to give the method set and its push notifications a
// concrete, testable home, and to let internal/session be exercised
// through the same boundary a real transport would use.
//
// Grounded on the kadirpekel-hector pack repo's
// pkg/transport/jsonrpc_handler.go (JSONRPCRequest/JSONRPCResponse/
// RPCError shape and standard JSON-RPC error codes), adapted from an
// http.Handler into a plain Go interface since wiring a transport here
// would duplicate a concern spec §1 explicitly places outside the core.
package rpc

import "fmt"

// Code is a JSON-RPC 2.0 error code, including the kernel's own
// INVALID_REQUEST extension for cursor/id validation failures named by
// §6.1.
type Code int

const (
	CodeParseError     Code = -32700
	CodeInvalidRequest Code = -32600
	CodeMethodNotFound Code = -32601
	CodeInvalidParams  Code = -32602
	CodeInternalError  Code = -32603
	// CodeInvalidRequestKernel covers cursor and id validation specific
	// to this surface, distinct from the generic JSON-RPC InvalidRequest
	// so callers can distinguish "malformed envelope" from "well-formed
	// request, bad cursor/id".
	CodeInvalidRequestKernel Code = -32000
)

// Error is the RPCError shape a Surface method returns on failure.
type Error struct {
	Code    Code
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewInvalidRequest builds the INVALID_REQUEST error §6.1 names for
// cursor/id validation failures.
func NewInvalidRequest(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidRequestKernel, Message: fmt.Sprintf(format, args...)}
}

// NewMethodNotFound builds a MethodNotFound error for an unrecognized
// JSON-RPC method name.
func NewMethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
}

// NewInternalError wraps err as an InternalError.
func NewInternalError(err error) *Error {
	return &Error{Code: CodeInternalError, Message: err.Error()}
}
