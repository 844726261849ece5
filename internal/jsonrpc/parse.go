// ABOUTME: Shape detection and serialization for JSON-RPC 2.0 payloads
// ABOUTME: Parse classifies bytes as request, notification, or response and reports protocol errors

package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// envelope keeps every member raw so presence can be told apart from null.
type envelope struct {
	JSONRPC *string         `json:"jsonrpc"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// Parse decodes one JSON-RPC message. Malformed JSON yields a ParseError; well-formed
// JSON that matches no message shape yields an InvalidRequest. The returned error's
// Message describes what was wrong.
func Parse(data []byte) (Message, *Error) {
	if !json.Valid(data) {
		return nil, &Error{Code: ParseError, Message: "payload is not valid JSON"}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, invalid("message must be a JSON object with well-typed members: %v", err)
	}

	if env.JSONRPC == nil {
		return nil, invalid("missing jsonrpc version")
	}
	if *env.JSONRPC != Version {
		return nil, invalid("unsupported jsonrpc version %q", *env.JSONRPC)
	}

	hasID := len(env.ID) > 0
	hasResult := len(env.Result) > 0
	hasError := len(env.Error) > 0 && string(env.Error) != "null"

	if env.Method != nil {
		if hasResult || hasError {
			return nil, invalid("message must not carry both method and result/error")
		}
		if *env.Method == "" {
			return nil, invalid("method must not be empty")
		}
		if !validParams(env.Params) {
			return nil, invalid("params must be an object or an array")
		}

		if !hasID {
			return &Notification{JSONRPC: Version, Method: *env.Method, Params: env.Params}, nil
		}

		if string(env.ID) == "null" {
			return nil, invalid("request id must not be null")
		}
		var id RequestID
		if err := json.Unmarshal(env.ID, &id); err != nil {
			return nil, invalid("%v", err)
		}
		return &Request{JSONRPC: Version, Method: *env.Method, Params: env.Params, ID: id}, nil
	}

	if hasResult == hasError {
		return nil, invalid("response must carry exactly one of result or error")
	}
	if !hasID {
		return nil, invalid("response is missing id")
	}

	resp := &Response{JSONRPC: Version}
	if string(env.ID) != "null" {
		var id RequestID
		if err := json.Unmarshal(env.ID, &id); err != nil {
			return nil, invalid("%v", err)
		}
		resp.ID = &id
	}

	if hasResult {
		resp.Result = env.Result
		return resp, nil
	}

	var rpcErr Error
	if err := json.Unmarshal(env.Error, &rpcErr); err != nil {
		return nil, invalid("malformed error object: %v", err)
	}
	resp.Error = &rpcErr
	return resp, nil
}

// Marshal validates and serializes a message. The jsonrpc member is always emitted.
func Marshal(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	return json.Marshal(msg)
}

// PeekID recovers the id from a payload that failed to parse, when it can. It returns nil
// when no usable id is present, which callers encode as a null id.
func PeekID(data []byte) *RequestID {
	var peek struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &peek); err != nil || len(peek.ID) == 0 {
		return nil
	}
	var id RequestID
	if err := json.Unmarshal(peek.ID, &id); err != nil {
		return nil
	}
	return &id
}

// MethodOf returns the method of a request or notification.
func MethodOf(msg Message) (string, bool) {
	switch m := msg.(type) {
	case *Request:
		return m.Method, true
	case *Notification:
		return m.Method, true
	}
	return "", false
}

func invalid(format string, args ...any) *Error {
	return &Error{Code: InvalidRequest, Message: fmt.Sprintf(format, args...)}
}
