// ABOUTME: Resource-level security policy consulted after scope checks pass
// ABOUTME: Extracts the path and operation a call touches and asks the policy to decide

package authz

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
)

type Operation string

const (
	OpRead      Operation = "read"
	OpWrite     Operation = "write"
	OpList      Operation = "list"
	OpCreateDir Operation = "create_dir"
	OpDelete    Operation = "delete"
	OpMove      Operation = "move"
	OpCopy      Operation = "copy"
)

// Writes reports whether op modifies the resource.
func (op Operation) Writes() bool {
	switch op {
	case OpRead, OpList:
		return false
	default:
		return true
	}
}

type PolicyDecision int

const (
	Allow PolicyDecision = iota
	Deny
	RequiresApproval
)

func (d PolicyDecision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case RequiresApproval:
		return "requires_approval"
	default:
		return "unknown"
	}
}

// SecurityPolicy decides whether an operation on a concrete resource is allowed.
// It runs only after the caller already holds the method's scope.
type SecurityPolicy interface {
	Decide(ctx context.Context, resource string, op Operation) (PolicyDecision, string)
}

// Resource is what a call touches.
type Resource struct {
	Path      string
	Operation Operation
}

// ResourceExtractor maps a method and its raw params to the resources it touches.
// A call that touches nothing returns an empty slice.
type ResourceExtractor func(method string, params json.RawMessage) []Resource

// ToolOperations maps tool names to the operation they perform.
var ToolOperations = map[string]Operation{
	"read_file":        OpRead,
	"read_text_file":   OpRead,
	"write_file":       OpWrite,
	"edit_file":        OpWrite,
	"list_directory":   OpList,
	"create_directory": OpCreateDir,
	"delete_file":      OpDelete,
	"move_file":        OpMove,
	"copy_file":        OpCopy,
}

// DefaultResourceExtractor understands resources/read URIs and filesystem-style tool calls.
func DefaultResourceExtractor(method string, params json.RawMessage) []Resource {
	if len(params) == 0 {
		return nil
	}

	switch method {
	case "resources/read", "resources/subscribe", "resources/unsubscribe":
		var p struct {
			URI string `json:"uri"`
		}
		if json.Unmarshal(params, &p) != nil || p.URI == "" {
			return nil
		}
		return []Resource{{Path: strings.TrimPrefix(p.URI, "file://"), Operation: OpRead}}

	case "tools/call":
		var p struct {
			Name      string `json:"name"`
			Arguments struct {
				Path        string `json:"path"`
				Source      string `json:"source"`
				Destination string `json:"destination"`
			} `json:"arguments"`
		}
		if json.Unmarshal(params, &p) != nil {
			return nil
		}
		op, known := ToolOperations[p.Name]
		if !known {
			op = OpWrite
		}

		var out []Resource
		if p.Arguments.Path != "" {
			out = append(out, Resource{Path: p.Arguments.Path, Operation: op})
		}
		if p.Arguments.Source != "" {
			srcOp := OpRead
			if op == OpMove {
				srcOp = OpDelete
			}
			out = append(out, Resource{Path: p.Arguments.Source, Operation: srcOp})
		}
		if p.Arguments.Destination != "" {
			out = append(out, Resource{Path: p.Arguments.Destination, Operation: OpWrite})
		}
		return out
	}
	return nil
}

// PathPrefixPolicy allows operations under a fixed set of roots.
type PathPrefixPolicy struct {
	Roots    []string
	ReadOnly bool
	// ApprovalOps lists operations that need a human in the loop.
	ApprovalOps []Operation
}

func (p *PathPrefixPolicy) Decide(_ context.Context, resource string, op Operation) (PolicyDecision, string) {
	if !filepath.IsAbs(resource) {
		return Deny, "path must be absolute"
	}
	clean := filepath.Clean(resource)

	inside := false
	for _, root := range p.Roots {
		root = filepath.Clean(root)
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			inside = true
			break
		}
	}
	if !inside {
		return Deny, "path outside allowed roots"
	}
	if p.ReadOnly && op.Writes() {
		return Deny, "policy is read-only"
	}
	for _, needs := range p.ApprovalOps {
		if needs == op {
			return RequiresApproval, string(op) + " requires approval"
		}
	}
	return Allow, ""
}
