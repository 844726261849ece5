package authz

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultResourceExtractor(t *testing.T) {
	tests := []struct {
		name   string
		method string
		params string
		want   []Resource
	}{
		{
			name:   "resource uri",
			method: "resources/read",
			params: `{"uri":"file:///srv/data/a.txt"}`,
			want:   []Resource{{Path: "/srv/data/a.txt", Operation: OpRead}},
		},
		{
			name:   "read tool",
			method: "tools/call",
			params: `{"name":"read_file","arguments":{"path":"/srv/data/a.txt"}}`,
			want:   []Resource{{Path: "/srv/data/a.txt", Operation: OpRead}},
		},
		{
			name:   "unknown tool counts as write",
			method: "tools/call",
			params: `{"name":"mystery","arguments":{"path":"/tmp/x"}}`,
			want:   []Resource{{Path: "/tmp/x", Operation: OpWrite}},
		},
		{
			name:   "move touches both ends",
			method: "tools/call",
			params: `{"name":"move_file","arguments":{"source":"/a","destination":"/b"}}`,
			want: []Resource{
				{Path: "/a", Operation: OpDelete},
				{Path: "/b", Operation: OpWrite},
			},
		},
		{
			name:   "tool without path",
			method: "tools/call",
			params: `{"name":"get_time","arguments":{}}`,
			want:   nil,
		},
		{
			name:   "other methods",
			method: "tools/list",
			params: `{}`,
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DefaultResourceExtractor(tt.method, json.RawMessage(tt.params))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPathPrefixPolicy(t *testing.T) {
	ctx := context.Background()
	policy := &PathPrefixPolicy{Roots: []string{"/srv/data"}, ApprovalOps: []Operation{OpDelete}}

	d, _ := policy.Decide(ctx, "/srv/data/report.txt", OpRead)
	assert.Equal(t, Allow, d)

	d, reason := policy.Decide(ctx, "/srv/database/x", OpRead)
	assert.Equal(t, Deny, d, "prefix match must respect path boundaries")
	assert.Contains(t, reason, "outside")

	d, _ = policy.Decide(ctx, "/srv/data/../../etc/passwd", OpRead)
	assert.Equal(t, Deny, d)

	d, _ = policy.Decide(ctx, "relative/path", OpRead)
	assert.Equal(t, Deny, d)

	d, _ = policy.Decide(ctx, "/srv/data/old.txt", OpDelete)
	assert.Equal(t, RequiresApproval, d)

	policy.ReadOnly = true
	d, reason = policy.Decide(ctx, "/srv/data/new.txt", OpWrite)
	assert.Equal(t, Deny, d)
	assert.Contains(t, reason, "read-only")
}
