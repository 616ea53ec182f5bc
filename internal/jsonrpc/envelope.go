// Package jsonrpc defines the JSON-RPC 2.0 envelope exchanged on every
// ingress and egress of the gateway, together with the standard error codes
// and the helpers used to decode single and batched submissions.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version tag carried by every envelope.
const Version = "2.0"

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

var (
	// ErrEmptyBody is returned by DecodeBatch when the body holds no JSON value.
	ErrEmptyBody = errors.New("empty body")
	// ErrInvalidJSON is returned by DecodeBatch when the body is not valid JSON.
	ErrInvalidJSON = errors.New("invalid JSON body")
	// ErrResultAndError marks an envelope that carries both result and error.
	ErrResultAndError = errors.New("envelope carries both result and error")
)

var nullID = json.RawMessage("null")

// Envelope is one protocol message unit: a request, a response, or a
// notification.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the error object of a response envelope. It implements the error
// interface so handlers can return it directly as a domain error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an *Error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithData returns a copy of e carrying the given diagnostic payload.
func (e *Error) WithData(data any) *Error {
	cp := *e
	cp.Data = data
	return &cp
}

// HasID reports whether the envelope carries a non-null correlation id.
func (e Envelope) HasID() bool {
	return len(e.ID) > 0 && !bytes.Equal(e.ID, nullID)
}

// IsRequest reports whether the envelope names a method and expects a reply.
func (e Envelope) IsRequest() bool {
	return e.Method != "" && e.HasID()
}

// IsNotification reports whether the envelope names a method without an id.
func (e Envelope) IsNotification() bool {
	return e.Method != "" && !e.HasID()
}

// IsResponse reports whether the envelope carries a result or an error.
func (e Envelope) IsResponse() bool {
	return e.Method == "" && (e.Result != nil || e.Error != nil)
}

// Validate checks the outbound invariants of an envelope.
func (e Envelope) Validate() error {
	if e.Result != nil && e.Error != nil {
		return ErrResultAndError
	}
	return nil
}

// NewResult wraps v into a success response correlated with id.
func NewResult(id json.RawMessage, v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling result: %w", err)
	}
	return Envelope{JSONRPC: Version, ID: responseID(id), Result: raw}, nil
}

// NewErrorResponse wraps rpcErr into an error response correlated with id.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) Envelope {
	return Envelope{JSONRPC: Version, ID: responseID(id), Error: rpcErr}
}

// NewNotification builds an id-less envelope for method with optional params.
func NewNotification(method string, params any) (Envelope, error) {
	env := Envelope{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshaling params: %w", err)
		}
		env.Params = raw
	}
	return env, nil
}

// responseID echoes the request id verbatim; responses to id-less requests
// carry an explicit null id.
func responseID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return nullID
	}
	return id
}
