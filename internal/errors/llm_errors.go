// ABOUTME: LLM-optimized error messages with explanations and suggested actions
// ABOUTME: Builds JSON-RPC errors for protocol, authorization, and correlation failures

package errors

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harper/mcp-relay/internal/jsonrpc"
	"github.com/harper/mcp-relay/internal/logger"
)

type LLMErrorData struct {
	ErrorType        string                 `json:"error_type"`
	Explanation      string                 `json:"explanation"`
	PossibleCauses   []string               `json:"possible_causes,omitempty"`
	SuggestedActions []string               `json:"suggested_actions,omitempty"`
	RelevantState    map[string]interface{} `json:"relevant_state,omitempty"`
	Recoverable      bool                   `json:"recoverable"`
	Details          string                 `json:"details,omitempty"`
}

func build(code int, message string, data LLMErrorData) *jsonrpc.Error {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		logger.Error("failed to marshal error data: %v", err)
		dataBytes = []byte("{}")
	}

	return &jsonrpc.Error{
		Code:    code,
		Message: message,
		Data:    dataBytes,
	}
}

// FromProtocol enriches an error produced by jsonrpc.Parse.
func FromProtocol(rpcErr *jsonrpc.Error) *jsonrpc.Error {
	if rpcErr.Code == jsonrpc.ParseError {
		return NewParseError(rpcErr.Message)
	}
	return NewInvalidRequestError(rpcErr.Message)
}

func NewParseError(details string) *jsonrpc.Error {
	message := fmt.Sprintf(
		"I couldn't parse the message as valid JSON. The JSON is malformed or contains syntax errors. "+
			"Details: %s",
		details,
	)

	return build(jsonrpc.ParseError, message, LLMErrorData{
		ErrorType:   "parse_error",
		Explanation: "The message could not be parsed as JSON.",
		PossibleCauses: []string{
			"Missing quotes around strings",
			"Trailing commas in objects or arrays",
			"Incomplete JSON structure (missing closing braces or brackets)",
			"More than one message written on a single line",
		},
		SuggestedActions: []string{
			"Validate the JSON before sending it",
			"Send exactly one JSON-RPC message per line (stdio) or per request body (HTTP)",
		},
		Recoverable: true,
		Details:     details,
	})
}

func NewInvalidRequestError(details string) *jsonrpc.Error {
	message := fmt.Sprintf(
		"The message is not a valid JSON-RPC 2.0 request, notification, or response. "+
			"Requests must include 'jsonrpc': '2.0', a non-empty 'method', and an 'id'. "+
			"Details: %s",
		details,
	)

	return build(jsonrpc.InvalidRequest, message, LLMErrorData{
		ErrorType:   "invalid_request",
		Explanation: "The message doesn't conform to the JSON-RPC 2.0 structure.",
		PossibleCauses: []string{
			"Missing or wrong 'jsonrpc' field (must be \"2.0\")",
			"Empty 'method' field",
			"A response carrying both 'result' and 'error', or neither",
			"An 'id' that is not a string or an integer",
			"'params' that is not an object or an array",
		},
		SuggestedActions: []string{
			"Ensure the message includes: {\"jsonrpc\": \"2.0\", \"method\": \"...\", \"id\": 1}",
			"Omit 'id' only for notifications, which never receive a reply",
			"Check that 'params' is an object or array if present",
		},
		Recoverable: true,
		Details:     details,
	})
}

func NewMethodNotFoundError(methodName string) *jsonrpc.Error {
	message := fmt.Sprintf(
		"The method '%s' is not supported by this server. "+
			"Call tools/list, resources/list, or prompts/list to discover what is available.",
		methodName,
	)

	return build(jsonrpc.MethodNotFound, message, LLMErrorData{
		ErrorType:   "method_not_found",
		Explanation: "The requested method name doesn't match any registered handler.",
		PossibleCauses: []string{
			"The method name is misspelled",
			"The method is not implemented by this server",
			"No upstream MCP server is configured to forward the method to",
		},
		SuggestedActions: []string{
			"Check the method name spelling, method names are case-sensitive",
			"Send initialize first and inspect the server capabilities",
		},
		RelevantState: map[string]interface{}{
			"method_name": methodName,
		},
		Recoverable: true,
	})
}

func NewInvalidParamsError(paramName string, expectedType string, receivedValue string) *jsonrpc.Error {
	message := fmt.Sprintf(
		"The parameter '%s' is invalid. I expected a %s but received: %s.",
		paramName, expectedType, receivedValue,
	)

	return build(jsonrpc.InvalidParams, message, LLMErrorData{
		ErrorType:   "invalid_params",
		Explanation: "The request contained parameters that don't match the expected schema for this method.",
		PossibleCauses: []string{
			"The parameter value is missing or null when it's required",
			"The parameter has the wrong type (e.g., string instead of number)",
			"The parameter name is misspelled",
		},
		SuggestedActions: []string{
			"Check that all required parameters are present",
			"Verify parameter types match what's expected",
		},
		RelevantState: map[string]interface{}{
			"param_name":     paramName,
			"expected_type":  expectedType,
			"received_value": receivedValue,
		},
		Recoverable: true,
	})
}

func NewInternalError(details string) *jsonrpc.Error {
	message := fmt.Sprintf(
		"An internal server error occurred while processing your request. Details: %s",
		details,
	)

	return build(jsonrpc.InternalError, message, LLMErrorData{
		ErrorType:   "internal_error",
		Explanation: "The server encountered an unexpected error during request processing.",
		PossibleCauses: []string{
			"A handler failed with an unexpected error",
			"Resource exhaustion (out of memory, file descriptors)",
			"Unexpected upstream behavior",
		},
		SuggestedActions: []string{
			"Check the server logs for error details",
			"Try the request again, it may be a transient issue",
		},
		Recoverable: false,
		Details:     details,
	})
}

func NewUnauthorizedError(reason string) *jsonrpc.Error {
	message := fmt.Sprintf(
		"The request could not be authenticated: %s. "+
			"Send a valid bearer token or API key with every request.",
		reason,
	)

	return build(jsonrpc.Unauthorized, message, LLMErrorData{
		ErrorType:   "unauthorized",
		Explanation: "The credential presented with the request is missing, invalid, or expired.",
		PossibleCauses: []string{
			"The bearer token has expired",
			"The API key is not one of the configured keys",
			"The token was issued for a different audience or issuer",
		},
		SuggestedActions: []string{
			"Send 'Authorization: Bearer <token>' or 'X-API-Key: <key>'",
			"Obtain a fresh token from the authorization server",
		},
		Recoverable: true,
		Details:     reason,
	})
}

func NewForbiddenError(method string, requiredScope string, reason string) *jsonrpc.Error {
	message := fmt.Sprintf(
		"You are not allowed to call '%s'. Your credential lacks the required permission.",
		method,
	)

	state := map[string]interface{}{
		"method": method,
	}
	if requiredScope != "" {
		state["required_scope"] = requiredScope
	}

	return build(jsonrpc.Forbidden, message, LLMErrorData{
		ErrorType:   "forbidden",
		Explanation: "Authentication succeeded, but the authorization policy denied this method.",
		PossibleCauses: []string{
			"The token or API key was issued without the scope this method requires",
			"The method has no policy entry, and unknown methods are denied",
			"A security policy denied access to the requested resource",
		},
		SuggestedActions: []string{
			"Request a credential that carries the required scope",
			"Do not retry with the same credential, the decision will not change",
		},
		RelevantState: state,
		Recoverable:   false,
		Details:       reason,
	})
}

func NewTimeoutError(method string, timeout time.Duration) *jsonrpc.Error {
	message := fmt.Sprintf(
		"No response to '%s' arrived within %s. The peer may still be processing it.",
		method, timeout,
	)

	return build(jsonrpc.RequestTimeout, message, LLMErrorData{
		ErrorType:   "request_timeout",
		Explanation: "The request was sent but its matching response did not arrive before the deadline.",
		PossibleCauses: []string{
			"The upstream server is slow or overloaded",
			"The upstream server dropped the request",
		},
		SuggestedActions: []string{
			"Retry the request",
			"Raise correlation.request_timeout in the configuration",
		},
		RelevantState: map[string]interface{}{
			"method":     method,
			"timeout_ms": timeout.Milliseconds(),
		},
		Recoverable: true,
	})
}

func NewConnectionClosedError(details string) *jsonrpc.Error {
	return build(jsonrpc.ConnectionClosed, "The connection closed before a response arrived.", LLMErrorData{
		ErrorType:   "connection_closed",
		Explanation: "The transport carrying this request was closed, so every pending request was abandoned.",
		PossibleCauses: []string{
			"The upstream process exited",
			"The peer closed the connection",
		},
		SuggestedActions: []string{
			"Reconnect and send the request again",
		},
		Recoverable: true,
		Details:     details,
	})
}

func NewTooManyPendingError(limit int) *jsonrpc.Error {
	message := fmt.Sprintf(
		"Too many requests are awaiting responses on this connection (limit %d).",
		limit,
	)

	return build(jsonrpc.TooManyPending, message, LLMErrorData{
		ErrorType:   "too_many_pending",
		Explanation: "The connection reached its maximum number of concurrently pending requests.",
		SuggestedActions: []string{
			"Wait for outstanding requests to complete before sending more",
		},
		RelevantState: map[string]interface{}{
			"max_pending": limit,
		},
		Recoverable: true,
	})
}

func NewSessionNotFoundError(sessionID string) *jsonrpc.Error {
	message := fmt.Sprintf(
		"The session '%s' does not exist. It was never created or it has already been closed.",
		sessionID,
	)

	return build(jsonrpc.ServerError, message, LLMErrorData{
		ErrorType:   "session_not_found",
		Explanation: "The relay server doesn't have an active session with this ID.",
		PossibleCauses: []string{
			"The session ID was mistyped",
			"The upstream process exited and the session was cleaned up",
		},
		SuggestedActions: []string{
			"List sessions with GET /api/sessions",
		},
		RelevantState: map[string]interface{}{
			"session_id": sessionID,
		},
		Recoverable: true,
	})
}

func NewUpstreamConnectionError(command string, durationMs int, details string) *jsonrpc.Error {
	message := fmt.Sprintf(
		"I attempted to start the upstream MCP server but it did not complete initialization within %dms.",
		durationMs,
	)

	return build(jsonrpc.ServerError, message, LLMErrorData{
		ErrorType:   "upstream_connection_failed",
		Explanation: "The relay tried to start the upstream server and run the initialize handshake, but it failed.",
		PossibleCauses: []string{
			"The upstream command path is incorrect or the binary doesn't exist",
			"The upstream requires environment variables that aren't set",
			"The upstream crashed immediately on startup",
		},
		SuggestedActions: []string{
			"Verify the upstream can run manually",
			"Check the relay's stderr logs for upstream error messages",
			"Ensure required environment variables are set under upstream.env",
		},
		RelevantState: map[string]interface{}{
			"command":    command,
			"timeout_ms": durationMs,
		},
		Recoverable: true,
		Details:     details,
	})
}

func NewRateLimitedError(subject string, perSecond float64) *jsonrpc.Error {
	return build(jsonrpc.ServerError, "Too many requests. Slow down and retry shortly.", LLMErrorData{
		ErrorType:   "rate_limited",
		Explanation: "This caller exceeded the request rate allowed per authenticated identity.",
		SuggestedActions: []string{
			"Wait at least one second before retrying",
			"Spread requests out instead of sending them in bursts",
		},
		RelevantState: map[string]interface{}{
			"subject":             subject,
			"requests_per_second": perSecond,
		},
		Recoverable: true,
	})
}
