package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stdioHarness struct {
	t         *testing.T
	transport *Stdio
	peerIn    *io.PipeWriter // what the peer writes, the transport reads
	peerOut   *bufio.Reader  // what the transport writes, the peer reads
}

func newStdioHarness(t *testing.T, opts ...StdioOption) *stdioHarness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	tr := NewStdio(inR, outW, opts...)
	t.Cleanup(func() {
		tr.Close()
		inW.Close()
		outR.Close()
	})

	return &stdioHarness{t: t, transport: tr, peerIn: inW, peerOut: bufio.NewReader(outR)}
}

func (h *stdioHarness) peerWrite(s string) {
	h.t.Helper()
	_, err := h.peerIn.Write([]byte(s))
	require.NoError(h.t, err)
}

func (h *stdioHarness) receive() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return h.transport.Receive(ctx)
}

func TestStdioReassemblesPartialReads(t *testing.T) {
	h := newStdioHarness(t)

	go func() {
		h.peerIn.Write([]byte(`{"jsonrpc":"2.0",`))
		time.Sleep(10 * time.Millisecond)
		h.peerIn.Write([]byte(`"method":"ping","id":1}`))
		time.Sleep(10 * time.Millisecond)
		h.peerIn.Write([]byte("\n"))
	}()

	msg, err := h.receive()
	require.NoError(t, err)
	assert.Equal(t, `{"jsonrpc":"2.0","method":"ping","id":1}`, string(msg))
}

func TestStdioSplitsMultipleMessagesInOneRead(t *testing.T) {
	h := newStdioHarness(t)

	go h.peerWrite("{\"a\":1}\n{\"b\":2}\r\n\n{\"c\":3}\n")

	for _, want := range []string{`{"a":1}`, `{"b":2}`, `{"c":3}`} {
		msg, err := h.receive()
		require.NoError(t, err)
		assert.Equal(t, want, string(msg))
	}
}

func TestStdioOversizedLineIsRecoverable(t *testing.T) {
	h := newStdioHarness(t, WithMaxMessageSize(16))

	go h.peerWrite(`{"big":"` + strings.Repeat("x", 64) + "\"}\n{\"ok\":1}\n")

	_, err := h.receive()
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindTooLarge, te.Kind)
	assert.True(t, te.Recoverable())
	assert.False(t, IsFatal(err))

	msg, err := h.receive()
	require.NoError(t, err)
	assert.Equal(t, `{"ok":1}`, string(msg))
}

func TestStdioSendFramesAndPreservesOrder(t *testing.T) {
	h := newStdioHarness(t)

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			if err := h.transport.Send(context.Background(), []byte(fmt.Sprintf(`{"seq":%d}`, i))); err != nil {
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		line, err := h.peerOut.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("{\"seq\":%d}\n", i), line)
	}
}

func TestStdioSendRejectsEmbeddedNewline(t *testing.T) {
	h := newStdioHarness(t)

	err := h.transport.Send(context.Background(), []byte("{\"a\":\n1}"))
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindFraming, te.Kind)
}

func TestStdioCloseIsIdempotent(t *testing.T) {
	h := newStdioHarness(t)
	assert.Equal(t, Connected, h.transport.State())

	require.NoError(t, h.transport.Close())
	require.NoError(t, h.transport.Close())
	assert.Equal(t, Closed, h.transport.State())

	err := h.transport.Send(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = h.transport.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStdioPeerEOFIsFatal(t *testing.T) {
	tr := NewStdio(strings.NewReader(`{"last":true}`), io.Discard)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"last":true}`, string(msg))

	_, err = tr.Receive(ctx)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestStdioReceiveHonorsContext(t *testing.T) {
	h := newStdioHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.transport.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsFatal(err))
}

func TestIOErrorClassification(t *testing.T) {
	assert.True(t, ioError("write", errors.New("temporary glitch")).Recoverable())
	assert.False(t, ioError("write", io.ErrClosedPipe).Recoverable())
	assert.Equal(t, KindClosed, ioError("read", io.EOF).Kind)
}
