package errors

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/harper/mcp-relay/internal/jsonrpc"
)

func decodeData(t *testing.T, err *jsonrpc.Error) map[string]interface{} {
	t.Helper()
	var parsed map[string]interface{}
	if jsonErr := json.Unmarshal(err.Data, &parsed); jsonErr != nil {
		t.Fatalf("failed to unmarshal data: %v", jsonErr)
	}
	return parsed
}

func TestUpstreamConnectionError(t *testing.T) {
	err := NewUpstreamConnectionError("/usr/bin/mcp-server", 5000, "connection timeout")

	parsed := decodeData(t, err)

	if parsed["error_type"] != "upstream_connection_failed" {
		t.Errorf("expected error_type upstream_connection_failed, got %v", parsed["error_type"])
	}

	explanation, ok := parsed["explanation"].(string)
	if !ok || explanation == "" {
		t.Error("expected explanation to be set")
	}

	suggestions, ok := parsed["suggested_actions"].([]interface{})
	if !ok || len(suggestions) == 0 {
		t.Error("expected suggested_actions to be set")
	}

	if parsed["recoverable"] != true {
		t.Error("expected recoverable to be true")
	}
}

func TestSessionNotFoundError(t *testing.T) {
	err := NewSessionNotFoundError("sess_12345")

	parsed := decodeData(t, err)

	if parsed["error_type"] != "session_not_found" {
		t.Errorf("expected error_type session_not_found, got %v", parsed["error_type"])
	}

	relevantState, ok := parsed["relevant_state"].(map[string]interface{})
	if !ok {
		t.Fatal("expected relevant_state to be set")
	}

	if relevantState["session_id"] != "sess_12345" {
		t.Errorf("expected session_id in relevant_state, got %v", relevantState["session_id"])
	}
}

func TestParseError(t *testing.T) {
	err := NewParseError("unexpected token at position 15")

	if err.Code != jsonrpc.ParseError {
		t.Errorf("expected code %d, got %d", jsonrpc.ParseError, err.Code)
	}

	parsed := decodeData(t, err)
	if parsed["error_type"] != "parse_error" {
		t.Errorf("expected error_type parse_error, got %v", parsed["error_type"])
	}
}

func TestForbiddenIsDistinctFromMethodNotFound(t *testing.T) {
	forbidden := NewForbiddenError("tools/call", "mcp:tools:execute", "missing scope")
	notFound := NewMethodNotFoundError("tools/call")

	if forbidden.Code == notFound.Code {
		t.Fatalf("forbidden and method-not-found share code %d", forbidden.Code)
	}

	parsed := decodeData(t, forbidden)
	if parsed["error_type"] != "forbidden" {
		t.Errorf("expected error_type forbidden, got %v", parsed["error_type"])
	}
	state := parsed["relevant_state"].(map[string]interface{})
	if state["required_scope"] != "mcp:tools:execute" {
		t.Errorf("expected required_scope, got %v", state["required_scope"])
	}
	if parsed["recoverable"] != false {
		t.Error("expected recoverable to be false")
	}
}

func TestForbiddenMakesNoExistenceClaim(t *testing.T) {
	err := NewForbiddenError("admin/shutdown", "", "no policy covers this method")

	if strings.Contains(err.Message, "exists") {
		t.Errorf("forbidden message must not claim the method exists: %q", err.Message)
	}
	if !strings.Contains(err.Message, "admin/shutdown") {
		t.Errorf("expected method in message, got %q", err.Message)
	}
}

func TestUnauthorizedIsDistinctFromForbidden(t *testing.T) {
	if NewUnauthorizedError("expired").Code == NewForbiddenError("x", "", "").Code {
		t.Fatal("unauthorized and forbidden must not share a code")
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("tools/call", 250*time.Millisecond)

	if err.Code != jsonrpc.RequestTimeout {
		t.Errorf("expected code %d, got %d", jsonrpc.RequestTimeout, err.Code)
	}

	state := decodeData(t, err)["relevant_state"].(map[string]interface{})
	if state["timeout_ms"] != float64(250) {
		t.Errorf("expected timeout_ms 250, got %v", state["timeout_ms"])
	}
}

func TestFromProtocol(t *testing.T) {
	if got := FromProtocol(&jsonrpc.Error{Code: jsonrpc.ParseError, Message: "x"}); got.Code != jsonrpc.ParseError {
		t.Errorf("expected parse error, got %d", got.Code)
	}
	if got := FromProtocol(&jsonrpc.Error{Code: jsonrpc.InvalidRequest, Message: "x"}); got.Code != jsonrpc.InvalidRequest {
		t.Errorf("expected invalid request, got %d", got.Code)
	}
}
