// Package errors defines the wire-facing error shape used by the WebSocket
// RPC router (C8). Subsystem-internal errors use plain wrapped error values;
// only the boundary that talks to clients needs a typed, serializable shape.
package errors

// Code enumerates the wire error codes a client can branch on. The core
// only ever emits CodeControlRejected; the other two are defined for
// completeness with spec §7 and are never constructed outside tests.
type Code string

const (
	CodeControlRejected Code = "control_rejected"
	CodeParseError       Code = "parse_error"
	CodeDeviceError      Code = "device_error"
)

// RPCError is the `error` field of an rpc_result reply.
type RPCError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *RPCError) Error() string { return string(e.Code) + ": " + e.Message }

// Rejected builds a control_rejected RPCError carrying the given rule token
// under details.detail, plus any extra detail fields.
func Rejected(detail, message string, extra map[string]any) *RPCError {
	details := map[string]any{"detail": detail}
	for k, v := range extra {
		details[k] = v
	}
	return &RPCError{Code: CodeControlRejected, Message: message, Details: details}
}
