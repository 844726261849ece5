package container

import (
	"bytes"
	"io"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chunk struct {
	stream stdcopy.StdType
	data   string
}

func multiplex(t *testing.T, chunks ...chunk) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	for _, c := range chunks {
		_, err := stdcopy.NewStdWriter(&buf, c.stream).Write([]byte(c.data))
		require.NoError(t, err)
	}
	return &buf
}

// readBoth drains both pipes concurrently; reading one at a time would deadlock.
func readBoth(t *testing.T, stdout, stderr io.Reader) (string, string) {
	t.Helper()
	errCh := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(stderr)
		errCh <- data
	}()
	out, err := io.ReadAll(stdout)
	require.NoError(t, err)
	return string(out), string(<-errCh)
}

func TestDemuxStreams(t *testing.T) {
	tests := []struct {
		name       string
		chunks     []chunk
		wantStdout string
		wantStderr string
	}{
		{
			name:       "frames on stdout",
			chunks:     []chunk{{stdcopy.Stdout, `{"jsonrpc":"2.0","id":1,"result":{}}` + "\n"}},
			wantStdout: `{"jsonrpc":"2.0","id":1,"result":{}}` + "\n",
		},
		{
			name:       "diagnostics on stderr",
			chunks:     []chunk{{stdcopy.Stderr, "server starting\n"}},
			wantStderr: "server starting\n",
		},
		{
			name: "interleaved",
			chunks: []chunk{
				{stdcopy.Stdout, "line 1\n"},
				{stdcopy.Stderr, "warn 1\n"},
				{stdcopy.Stdout, "line 2\n"},
				{stdcopy.Stderr, "warn 2\n"},
			},
			wantStdout: "line 1\nline 2\n",
			wantStderr: "warn 1\nwarn 2\n",
		},
		{
			name: "frame split across chunks",
			chunks: []chunk{
				{stdcopy.Stdout, `{"jsonrpc":"2.0",`},
				{stdcopy.Stdout, `"method":"ping","id":2}` + "\n"},
			},
			wantStdout: `{"jsonrpc":"2.0","method":"ping","id":2}` + "\n",
		},
		{
			name: "empty stream",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr := demuxStreams(multiplex(t, tt.chunks...))
			gotOut, gotErr := readBoth(t, stdout, stderr)
			assert.Equal(t, tt.wantStdout, gotOut)
			assert.Equal(t, tt.wantStderr, gotErr)
		})
	}
}

func TestDemuxStreamsCorruptHeader(t *testing.T) {
	// Stream id 9 is not a valid Docker stream.
	corrupt := bytes.NewReader([]byte{9, 0, 0, 0, 0, 0, 0, 4, 'o', 'o', 'p', 's'})
	stdout, stderr := demuxStreams(corrupt)

	go io.Copy(io.Discard, stderr)
	_, err := io.ReadAll(stdout)
	assert.Error(t, err)
}
