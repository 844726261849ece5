// ABOUTME: Splits Docker's multiplexed attach stream into stdout and stderr
// ABOUTME: Stdout carries JSON-RPC frames; stderr is diagnostics only

package container

import (
	"errors"
	"io"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/harper/mcp-relay/internal/logger"
)

// demuxStreams strips Docker's 8-byte frame headers. Both readers reach EOF when the
// attach stream ends.
func demuxStreams(multiplexed io.Reader) (stdout, stderr io.ReadCloser) {
	stdoutPipe, stdoutWriter := io.Pipe()
	stderrPipe, stderrWriter := io.Pipe()

	go func() {
		_, err := stdcopy.StdCopy(stdoutWriter, stderrWriter, multiplexed)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
			logger.Warn("container stream demux: %v", err)
			stdoutWriter.CloseWithError(err)
			stderrWriter.CloseWithError(err)
			return
		}
		stdoutWriter.Close()
		stderrWriter.Close()
	}()

	return stdoutPipe, stderrPipe
}
