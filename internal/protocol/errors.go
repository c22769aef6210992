// ABOUTME: Error codes and the structured error type for the gateway protocol
// ABOUTME: Protocol codes follow JSON-RPC 2.0; app codes cover auth, policy, size

package protocol

import "fmt"

// JSON-RPC 2.0 protocol error codes.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
)

// Application error codes. Auth-required and permission-denied are distinct
// so clients can tell "re-authenticate" from "request elevated access".
const (
	CodeAuthRequired     = 4001
	CodeAuthFailed       = 4002
	CodePermissionDenied = 4003
	CodePolicyRejected   = 4005
	CodeMessageTooLarge  = 4009
)

// Error is the structured error carried inside a response envelope.
// Handlers return *Error for client-visible failures; any other error is
// reported to the client as a generic internal error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Errorf builds a client-visible error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
