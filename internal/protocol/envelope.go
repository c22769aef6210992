// ABOUTME: JSON-RPC 2.0 envelope types and frame parsing for the gateway protocol
// ABOUTME: Handles single requests, ordered batches, and server notifications

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Version is the protocol version carried in every envelope.
const Version = "2.0"

// ErrEmptyFrame indicates an inbound frame with no content.
var ErrEmptyFrame = errors.New("empty frame")

// Request is one inbound method-call envelope. A request without an ID is a
// notification and receives no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no ID.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// Valid reports whether the envelope has the required version and method.
func (r *Request) Valid() bool {
	return r.JSONRPC == Version && r.Method != ""
}

// Response is one outbound result-or-error envelope, correlated by ID.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Notification is a server-initiated envelope with no ID and no response.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a server notification envelope.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// NewResult builds a success response echoing the request ID.
func NewResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: Version, Result: result, ID: normalizeID(id)}
}

// NewError builds an error response. A nil or absent ID is echoed as null,
// matching the JSON-RPC rule for requests whose ID could not be read.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: Version, Error: &Error{Code: code, Message: message}, ID: normalizeID(id)}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// ParseFrame splits an inbound frame into its envelope elements. A frame is
// either a single object or an array (batch); batch order is preserved.
// Returns ErrEmptyFrame for blank input and a plain error when the frame is
// not valid JSON at all.
func ParseFrame(data []byte) (elements []json.RawMessage, batch bool, err error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false, ErrEmptyFrame
	}

	if trimmed[0] == '[' {
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, true, err
		}
		return elems, true, nil
	}

	if !json.Valid(trimmed) {
		return nil, false, errors.New("invalid JSON")
	}
	return []json.RawMessage{trimmed}, false, nil
}
