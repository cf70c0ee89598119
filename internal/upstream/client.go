package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"claudegate/internal/openai"
	"claudegate/internal/transcode"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "claudegate/0.1"

	// maxErrorBodyBytes bounds how much of an upstream error body is read.
	maxErrorBodyBytes = 64 * 1024

	// scanBufferBytes sizes the SSE line scanner; single chunks can carry
	// large tool-argument fragments.
	scanBufferBytes = 1 << 20

	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Client speaks the upstream chat completions protocol for one gateway.
type Client struct {
	apiKey  string
	client  *http.Client
	chatURL string
}

// NewClient constructs a client for an upstream base URL. The http.Client is
// injected so callers control timeouts and tests can stub transports.
func NewClient(baseURL, apiKey string, client *http.Client) (*Client, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Client{
		apiKey:  apiKey,
		client:  client,
		chatURL: baseURL + "/v1/chat/completions",
	}, nil
}

// NewHTTPClient builds the default pooled transport for upstream calls. A
// zero timeout leaves the overall request unbounded, which streaming needs;
// per-chunk inactivity is enforced by the caller.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// ChatCompletion performs a non-streaming chat completion call.
func (c *Client) ChatCompletion(ctx context.Context, req openai.ChatRequest) (*openai.ChatResponse, error) {
	req.Stream = false

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcode.ErrUpstreamTransport, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, parseAPIError(httpResp)
	}

	var resp openai.ChatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", transcode.ErrUpstreamProtocol, err)
	}
	return &resp, nil
}

// StreamChatCompletion opens a streaming chat completion call and returns a
// chunk iterator over the SSE body. The caller owns closing the stream.
func (c *Client) StreamChatCompletion(ctx context.Context, req openai.ChatRequest) (*Stream, error) {
	req.Stream = true

	httpReq, err := c.newRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcode.ErrUpstreamTransport, err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, parseAPIError(httpResp)
	}

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 64*1024), scanBufferBytes)

	return &Stream{body: httpResp.Body, scanner: scanner}, nil
}

func (c *Client) newRequest(ctx context.Context, payload openai.ChatRequest) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return req, nil
}

// Stream iterates the chunks of one streaming response. It is single-reader;
// Recv and Close must not be called concurrently.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Recv returns the next chunk. io.EOF signals the end of the stream, whether
// from the [DONE] sentinel or transport close; the consumer decides if the
// end was premature.
func (s *Stream) Recv() (openai.StreamChunk, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return openai.StreamChunk{}, io.EOF
		}

		var chunk openai.StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return openai.StreamChunk{}, fmt.Errorf("%w: decode chunk: %v", transcode.ErrUpstreamProtocol, err)
		}
		return chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		return openai.StreamChunk{}, fmt.Errorf("%w: %v", transcode.ErrUpstreamTransport, err)
	}
	return openai.StreamChunk{}, io.EOF
}

// Close releases the underlying connection. Safe to call after Recv errors.
func (s *Stream) Close() error {
	return s.body.Close()
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return &transcode.UpstreamStatusError{Status: resp.StatusCode}
	}

	var envelope openai.ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return &transcode.UpstreamStatusError{Status: resp.StatusCode, Body: &envelope.Error}
	}

	return &transcode.UpstreamStatusError{Status: resp.StatusCode}
}
