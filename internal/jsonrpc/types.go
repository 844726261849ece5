// ABOUTME: JSON-RPC 2.0 message types for the MCP protocol engine
// ABOUTME: Implements request, notification, response, and error structures

package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// Message is one of *Request, *Notification or *Response.
type Message interface {
	isMessage()
	Validate() error
}

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      RequestID       `json:"id"`
}

type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response carries exactly one of Result or Error. A nil ID encodes as null and is only
// used when the originating request id could not be determined.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *RequestID      `json:"id"`
}

type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	ServerError    = -32000
)

// Application error codes, all inside the implementation-defined server range.
const (
	Unauthorized     = -32001
	RequestTimeout   = -32002
	Forbidden        = -32003
	ConnectionClosed = -32004
	TooManyPending   = -32005
)

func (*Request) isMessage()      {}
func (*Notification) isMessage() {}
func (*Response) isMessage()     {}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func NewRequest(id RequestID, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	req := &Request{JSONRPC: Version, Method: method, Params: raw, ID: id}
	return req, req.Validate()
}

func NewNotification(method string, params any) (*Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	n := &Notification{JSONRPC: Version, Method: method, Params: raw}
	return n, n.Validate()
}

// NewResult builds a success response. A nil result is encoded as JSON null.
func NewResult(id RequestID, result any) (*Response, error) {
	var raw json.RawMessage
	switch r := result.(type) {
	case json.RawMessage:
		raw = r
	case nil:
	default:
		b, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return &Response{JSONRPC: Version, Result: raw, ID: &id}, nil
}

func NewErrorResponse(id *RequestID, rpcErr *Error) *Response {
	return &Response{JSONRPC: Version, Error: rpcErr, ID: id}
}

func (r *Request) Validate() error {
	return validateCall(r.JSONRPC, r.Method, r.Params)
}

func (n *Notification) Validate() error {
	return validateCall(n.JSONRPC, n.Method, n.Params)
}

func (r *Response) Validate() error {
	if r.JSONRPC != Version {
		return fmt.Errorf("unsupported jsonrpc version %q", r.JSONRPC)
	}
	hasResult := len(r.Result) > 0
	hasError := r.Error != nil
	if hasResult && hasError {
		return fmt.Errorf("response must not carry both result and error")
	}
	if !hasResult && !hasError {
		return fmt.Errorf("response must carry either result or error")
	}
	return nil
}

// UnmarshalParams decodes params into v. Absent params leave v untouched.
func (r *Request) UnmarshalParams(v any) error {
	return unmarshalParams(r.Params, v)
}

func (n *Notification) UnmarshalParams(v any) error {
	return unmarshalParams(n.Params, v)
}

func validateCall(version, method string, params json.RawMessage) error {
	if version != Version {
		return fmt.Errorf("unsupported jsonrpc version %q", version)
	}
	if method == "" {
		return fmt.Errorf("method must not be empty")
	}
	if !validParams(params) {
		return fmt.Errorf("params must be an object or an array")
	}
	return nil
}

func validParams(params json.RawMessage) bool {
	if len(params) == 0 || string(params) == "null" {
		return true
	}
	for _, c := range params {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[':
			return true
		default:
			return false
		}
	}
	return false
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return b, nil
}

func unmarshalParams(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	return json.Unmarshal(params, v)
}
