// ABOUTME: Client-side HTTP transport posting one JSON-RPC message per request
// ABOUTME: Response bodies are queued for Receive; 202 acknowledgements yield nothing

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

type HTTPClient struct {
	endpoint string
	client   *http.Client
	header   http.Header
	maxSize  int

	life      lifecycle
	inbox     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

type HTTPOption func(*HTTPClient)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.client = c
	}
}

func WithBearerToken(token string) HTTPOption {
	return func(h *HTTPClient) {
		h.header.Set("Authorization", "Bearer "+token)
	}
}

func WithAPIKey(key string) HTTPOption {
	return func(h *HTTPClient) {
		h.header.Set("X-API-Key", key)
	}
}

func WithHTTPMaxMessageSize(n int) HTTPOption {
	return func(h *HTTPClient) {
		if n > 0 {
			h.maxSize = n
		}
	}
}

func NewHTTPClient(endpoint string, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		endpoint: endpoint,
		client:   http.DefaultClient,
		header:   make(http.Header),
		maxSize:  DefaultMaxMessageSize,
		inbox:    make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.life.store(Connected)
	return h
}

func (h *HTTPClient) State() State {
	return h.life.load()
}

// Send performs one POST. A failed POST is recoverable: the next one is independent.
func (h *HTTPClient) Send(ctx context.Context, data []byte) error {
	if !h.life.usable() {
		return ErrClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(data))
	if err != nil {
		return &Error{Kind: KindIO, Op: "send", Err: err}
	}
	for k, v := range h.header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Kind: KindIO, Op: "send", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(h.maxSize)+1))
	if err != nil {
		return &Error{Kind: KindIO, Op: "receive", Err: err}
	}
	if len(body) > h.maxSize {
		return &Error{Kind: KindTooLarge, Op: "receive", Err: fmt.Errorf("response exceeds %d bytes", h.maxSize)}
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusAccepted, http.StatusNoContent:
		return nil
	default:
		return &Error{
			Kind:   KindRejected,
			Op:     "send",
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body))),
		}
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}

	select {
	case h.inbox <- body:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *HTTPClient) Receive(ctx context.Context) ([]byte, error) {
	if !h.life.usable() {
		return nil, ErrClosed
	}

	select {
	case body := <-h.inbox:
		return body, nil
	case <-h.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *HTTPClient) Close() error {
	h.closeOnce.Do(func() {
		h.life.store(Closing)
		close(h.done)
		h.client.CloseIdleConnections()
		h.life.store(Closed)
	})
	return nil
}
