package container

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainerErrors(t *testing.T) {
	cause := errors.New("underlying")

	tests := []struct {
		name     string
		err      *ContainerError
		wantType string
		contains []string
	}{
		{"docker unavailable", NewDockerUnavailableError(cause), "docker_unavailable", []string{"Docker daemon", "docker ps"}},
		{"image not found", NewImageNotFoundError("mcp/fs:latest", cause), "image_not_found", []string{"mcp/fs:latest", "docker pull"}},
		{"start failed", NewStartFailedError("mcp/fs:latest", cause), "start_failed", []string{"upstream.command"}},
		{"attach failed", NewAttachFailedError(cause), "attach_failed", []string{"attach"}},
		{"invalid limit", NewInvalidLimitError("lots", cause), "invalid_limit", []string{`"lots"`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantType, tt.err.Type)
			for _, s := range tt.contains {
				assert.Contains(t, tt.err.Error(), s)
			}
			assert.ErrorIs(t, tt.err, cause)
			assert.ErrorIs(t, tt.err, &ContainerError{Type: tt.wantType})
			assert.NotErrorIs(t, tt.err, &ContainerError{Type: "other"})
		})
	}
}

func TestContainerErrorWithoutCause(t *testing.T) {
	err := &ContainerError{Type: "x", Message: "just a message"}
	assert.Equal(t, "just a message", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}
