// Package errors defines the gateway's typed error taxonomy, following the
// struct-per-kind style used throughout the corpus rather than sentinel
// values.
package errors

import (
	stderr "errors"
	"fmt"

	"github.com/collabmesh/gateway/entity"
)

// New returns an error that formats as the given text. Each call to New
// returns a distinct error value even if the text is identical.
func New(msg string) error {
	return stderr.New(msg)
}

// UnauthorizedError indicates a bad token or a product id mismatch at
// handshake.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Reason)
}

// Code implements wireCoder.
func (e *UnauthorizedError) Code() entity.WireErrorCode { return entity.WireErrorUnauthorized }

// UnknownMethodError indicates no dispatcher exists for the request method.
type UnknownMethodError struct {
	Method string
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("unknown method %q", e.Method)
}

// Code implements wireCoder.
func (e *UnknownMethodError) Code() entity.WireErrorCode { return entity.WireErrorUnknownMethod }

// UpgradingError indicates the workspace is currently mid-upgrade.
type UpgradingError struct {
	Workspace string
}

func (e *UpgradingError) Error() string {
	return fmt.Sprintf("workspace %q is upgrading", e.Workspace)
}

// Code implements wireCoder.
func (e *UpgradingError) Code() entity.WireErrorCode { return entity.WireErrorUpgrading }

// ShuttingDownError indicates the workspace is tearing down.
type ShuttingDownError struct {
	Workspace string
}

func (e *ShuttingDownError) Error() string {
	return fmt.Sprintf("workspace %q is shutting down", e.Workspace)
}

// Code implements wireCoder.
func (e *ShuttingDownError) Code() entity.WireErrorCode { return entity.WireErrorShuttingDown }

// PipelineError wraps a domain failure returned verbatim to the caller.
type PipelineError struct {
	Cause error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline error: %s", e.Cause)
}

// Unwrap allows errors.Is/As to see through to the domain cause.
func (e *PipelineError) Unwrap() error { return e.Cause }

// Code implements wireCoder.
func (e *PipelineError) Code() entity.WireErrorCode { return entity.WireErrorPipeline }

// TransportError indicates a frame encode/decode failure or a dead socket.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s", e.Cause)
}

// Unwrap allows errors.Is/As to see through to the underlying I/O error.
func (e *TransportError) Unwrap() error { return e.Cause }

// Code implements wireCoder.
func (e *TransportError) Code() entity.WireErrorCode { return entity.WireErrorTransport }

// wireCoder is implemented by every error kind above; ToWireError uses it to
// build the serialized form without a type switch per call site.
type wireCoder interface {
	error
	Code() entity.WireErrorCode
}

// ToWireError converts a taxonomy error into its wire representation. Errors
// outside the taxonomy (e.g. an unwrapped domain error) are reported as
// PipelineError, matching §7's "passed verbatim" rule for domain failures.
func ToWireError(id any, err error) entity.Response {
	var wc wireCoder
	if stderr.As(err, &wc) {
		return entity.ErrorResponse(id, wc.Code(), wc.Error())
	}
	return entity.ErrorResponse(id, entity.WireErrorPipeline, err.Error())
}
