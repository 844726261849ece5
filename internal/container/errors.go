// ABOUTME: Container launch errors with actionable messages
// ABOUTME: Each error carries a machine-readable type and wraps its cause

package container

import "fmt"

type ContainerError struct {
	Type    string
	Message string
	Cause   error
}

func (e *ContainerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ContainerError) Unwrap() error { return e.Cause }

// Is matches another *ContainerError of the same Type.
func (e *ContainerError) Is(target error) bool {
	t, ok := target.(*ContainerError)
	return ok && t.Type == e.Type
}

func NewDockerUnavailableError(cause error) *ContainerError {
	return &ContainerError{
		Type:    "docker_unavailable",
		Message: "Cannot connect to Docker daemon. Is Docker running? Check: docker ps",
		Cause:   cause,
	}
}

func NewImageNotFoundError(image string, cause error) *ContainerError {
	return &ContainerError{
		Type:    "image_not_found",
		Message: fmt.Sprintf("Docker image '%s' not found. Pull or build it first: docker pull %s", image, image),
		Cause:   cause,
	}
}

func NewStartFailedError(image string, cause error) *ContainerError {
	return &ContainerError{
		Type:    "start_failed",
		Message: fmt.Sprintf("Container from image '%s' failed to start. Check upstream.command and the image entrypoint", image),
		Cause:   cause,
	}
}

func NewAttachFailedError(cause error) *ContainerError {
	return &ContainerError{
		Type:    "attach_failed",
		Message: "Failed to attach to container stdio",
		Cause:   cause,
	}
}

func NewInvalidLimitError(limit string, cause error) *ContainerError {
	return &ContainerError{
		Type:    "invalid_limit",
		Message: fmt.Sprintf("upstream.container.memory_limit %q is invalid, use a number followed by k, m, or g", limit),
		Cause:   cause,
	}
}
