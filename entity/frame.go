package entity

import "encoding/json"

// Request is the decoded form of an inbound frame. Params is opaque to the
// gateway; it is threaded through to the workspace pipeline unexamined.
type Request struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// WireErrorCode enumerates the error taxonomy from the error handling design.
type WireErrorCode string

// Error taxonomy. See internal/errors for the corresponding Go error types.
const (
	WireErrorUnauthorized  WireErrorCode = "UNAUTHORIZED"
	WireErrorUnknownMethod WireErrorCode = "UnknownMethod"
	WireErrorUpgrading     WireErrorCode = "Upgrading"
	WireErrorShuttingDown  WireErrorCode = "ShuttingDown"
	WireErrorPipeline      WireErrorCode = "PipelineError"
	WireErrorTransport     WireErrorCode = "TransportError"
)

// WireError is the serialized form of an error returned to a client.
type WireError struct {
	Code    WireErrorCode `json:"code"`
	Message string        `json:"message"`
}

// Response is the encoded form of an outbound frame answering a Request, or
// an unsolicited status/broadcast push (ID is nil in that case).
type Response struct {
	ID     any             `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// StatusResponse is a small helper for the status pushes the spec calls for
// (maintenance countdown, upgrade notice) where Result is just {state, ...}.
func StatusResponse(state string, extra map[string]any) Response {
	payload := map[string]any{"state": state}
	for k, v := range extra {
		payload[k] = v
	}
	b, _ := json.Marshal(payload)
	return Response{Result: b}
}

// ErrorResponse builds a Response carrying the given error taxonomy code.
func ErrorResponse(id any, code WireErrorCode, message string) Response {
	return Response{ID: id, Error: &WireError{Code: code, Message: message}}
}
