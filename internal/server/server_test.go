package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claudegate/internal/anthropic"
	"claudegate/internal/config"
	"claudegate/internal/gateway"
	"claudegate/internal/openai"
)

const (
	testGatewayID = "team-a"
	testAuthToken = "secret-token"
)

// upstreamStub counts requests so tests can assert whether the upstream was
// reached at all.
type upstreamStub struct {
	srv   *httptest.Server
	calls atomic.Int64
}

func newUpstreamStub(t *testing.T, handler http.HandlerFunc) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

func newTestServer(t *testing.T, upstream *upstreamStub) *Server {
	t.Helper()
	cfg := config.Config{
		Server: config.ServerConfig{Port: 8080},
		Gateways: []config.GatewayConfig{{
			ID:        testGatewayID,
			AuthToken: testAuthToken,
			Upstream: config.UpstreamConfig{
				BaseURL: upstream.srv.URL,
				APIKey:  "sk-test",
			},
			Models: map[string]string{"claude-sonnet-4": "gpt-4o"},
		}},
	}

	store, err := gateway.NewStore(cfg, upstream.srv.Client())
	require.NoError(t, err)

	srv, err := New(cfg, store)
	require.NoError(t, err)
	return srv
}

func postMessages(s *Server, gatewayID, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/gateway/"+gatewayID+"/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.app.ServeHTTP(rec, req)
	return rec
}

func decodeErrorResponse(t *testing.T, body []byte) anthropic.ErrorResponse {
	t.Helper()
	var resp anthropic.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Equal(t, "error", resp.Type)
	return resp
}

const simpleBody = `{"model":"claude-sonnet-4","max_tokens":128,"messages":[{"role":"user","content":"Hi"}]}`

func TestHealth(t *testing.T) {
	s := newTestServer(t, newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.app.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestGatewayNotFound(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {})
	s := newTestServer(t, upstream)

	rec := postMessages(s, "no-such-gateway", testAuthToken, simpleBody)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeErrorResponse(t, rec.Body.Bytes())
	assert.Equal(t, "not_found_error", resp.Error.Type)
	assert.Equal(t, int64(0), upstream.calls.Load())
}

func TestAuthenticationRejected(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {})
	s := newTestServer(t, upstream)

	for _, token := range []string{"", "wrong-token"} {
		rec := postMessages(s, testGatewayID, token, simpleBody)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		resp := decodeErrorResponse(t, rec.Body.Bytes())
		assert.Equal(t, "authentication_error", resp.Error.Type)
	}
	assert.Equal(t, int64(0), upstream.calls.Load())
}

func TestAuthTokenForms(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	})
	s := newTestServer(t, upstream)

	headers := []func(r *http.Request){
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+testAuthToken) },
		func(r *http.Request) { r.Header.Set("Authorization", "x-api-key "+testAuthToken) },
		func(r *http.Request) { r.Header.Set("Authorization", testAuthToken) },
		func(r *http.Request) { r.Header.Set("x-api-key", testAuthToken) },
	}

	for _, set := range headers {
		req := httptest.NewRequest(http.MethodPost, "/gateway/"+testGatewayID+"/v1/messages", strings.NewReader(simpleBody))
		req.Header.Set("Content-Type", "application/json")
		set(req)
		rec := httptest.NewRecorder()
		s.app.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestUnknownModelNoUpstreamCall(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {})
	s := newTestServer(t, upstream)

	body := `{"model":"claude-opus-4","max_tokens":128,"messages":[{"role":"user","content":"Hi"}]}`
	rec := postMessages(s, testGatewayID, testAuthToken, body)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeErrorResponse(t, rec.Body.Bytes())
	assert.Equal(t, "not_found_error", resp.Error.Type)
	assert.Contains(t, resp.Error.Message, "claude-opus-4")
	assert.Equal(t, int64(0), upstream.calls.Load())
}

func TestMalformedRequestBody(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {})
	s := newTestServer(t, upstream)

	cases := []string{
		``,
		`{not json`,
		`{"model":"claude-sonnet-4","max_tokens":128,"messages":[]}`,
		simpleBody + `{"second":"object"}`,
	}

	for _, body := range cases {
		rec := postMessages(s, testGatewayID, testAuthToken, body)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", body)
		resp := decodeErrorResponse(t, rec.Body.Bytes())
		assert.Equal(t, "invalid_request_error", resp.Error.Type)
	}
	assert.Equal(t, int64(0), upstream.calls.Load())
}

func TestNonStreamingRoundTrip(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id":"chatcmpl-9",
			"choices":[{"index":0,"message":{"role":"assistant","content":"Hello there"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}
		}`)
	})
	s := newTestServer(t, upstream)

	rec := postMessages(s, testGatewayID, testAuthToken, simpleBody)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp anthropic.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chatcmpl-9", resp.ID)
	assert.Equal(t, "claude-sonnet-4", resp.Model)
	require.NotNil(t, resp.StopReason)
	assert.Equal(t, "end_turn", *resp.StopReason)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "Hello there", resp.Content[0].Text)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 4, resp.Usage.OutputTokens)
}

func TestNonStreamingUpstreamError(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit_error"}}`)
	})
	s := newTestServer(t, upstream)

	rec := postMessages(s, testGatewayID, testAuthToken, simpleBody)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decodeErrorResponse(t, rec.Body.Bytes())
	assert.Equal(t, "rate_limit_error", resp.Error.Type)
	assert.Equal(t, "rate limited", resp.Error.Message)
}

type sseFrame struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var current sseFrame
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.name != "" {
				frames = append(frames, current)
				current = sseFrame{}
			}
		}
	}
	return frames
}

func frameNames(frames []sseFrame) []string {
	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.name
	}
	return names
}

func streamingBody(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}
}

const streamingRequestBody = `{"model":"claude-sonnet-4","max_tokens":128,"stream":true,"messages":[{"role":"user","content":"Hi"}]}`

func TestStreamingRoundTrip(t *testing.T) {
	upstream := newUpstreamStub(t, streamingBody(
		`{"id":"chatcmpl-9","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-9","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-9","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":2,"total_tokens":14}}`,
		`[DONE]`,
	))
	s := newTestServer(t, upstream)

	rec := postMessages(s, testGatewayID, testAuthToken, streamingRequestBody)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	frames := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, frameNames(frames))

	var start struct {
		Message struct {
			ID    string `json:"id"`
			Model string `json:"model"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[0].data), &start))
	assert.Equal(t, "chatcmpl-9", start.Message.ID)
	assert.Equal(t, "claude-sonnet-4", start.Message.Model)

	var text strings.Builder
	for _, f := range frames {
		if f.name != "content_block_delta" {
			continue
		}
		var delta struct {
			Delta struct {
				Text string `json:"text"`
			} `json:"delta"`
		}
		require.NoError(t, json.Unmarshal([]byte(f.data), &delta))
		text.WriteString(delta.Delta.Text)
	}
	assert.Equal(t, "Hello", text.String())

	var final struct {
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage anthropic.Usage `json:"usage"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[5].data), &final))
	assert.Equal(t, "end_turn", final.Delta.StopReason)
	assert.Equal(t, 2, final.Usage.OutputTokens)
}

func TestStreamingUpstreamTruncation(t *testing.T) {
	upstream := newUpstreamStub(t, streamingBody(
		`{"id":"chatcmpl-9","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-9","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
		// Connection closes here with no finish_reason and no [DONE].
	))
	s := newTestServer(t, upstream)

	rec := postMessages(s, testGatewayID, testAuthToken, streamingRequestBody)

	require.Equal(t, http.StatusOK, rec.Code)
	frames := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"error",
	}, frameNames(frames))
	assert.NotContains(t, frameNames(frames), "message_stop")

	var errEvent struct {
		Error anthropic.APIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1].data), &errEvent))
	assert.Equal(t, "api_error", errEvent.Error.Type)
}

func TestStreamingUpstreamErrorStatus(t *testing.T) {
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad upstream key","type":"authentication_error"}}`)
	})
	s := newTestServer(t, upstream)

	rec := postMessages(s, testGatewayID, testAuthToken, streamingRequestBody)

	// The stream never started, so the client gets a complete error response.
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decodeErrorResponse(t, rec.Body.Bytes())
	assert.Equal(t, "authentication_error", resp.Error.Type)
	assert.Equal(t, "bad upstream key", resp.Error.Message)
}

func TestStreamingUpstreamReadTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"chatcmpl-9","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`+"\n\n")
		w.(http.Flusher).Flush()
		// Stall: no further chunks until the gateway gives up.
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	t.Cleanup(func() { close(release) })

	s := newTestServer(t, upstream)
	s.upstreamReadTimeout = 50 * time.Millisecond

	rec := postMessages(s, testGatewayID, testAuthToken, streamingRequestBody)

	require.Equal(t, http.StatusOK, rec.Code)
	frames := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"error",
	}, frameNames(frames))
	assert.NotContains(t, frameNames(frames), "message_stop")

	var errEvent struct {
		Error anthropic.APIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[len(frames)-1].data), &errEvent))
	assert.Equal(t, "api_error", errEvent.Error.Type)
	assert.Equal(t, "upstream request failed", errEvent.Error.Message)
}

func TestStreamingClientDisconnect(t *testing.T) {
	upstreamGone := make(chan struct{})
	upstream := newUpstreamStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"id":"chatcmpl-9","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`+"\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(upstreamGone)
	})
	s := newTestServer(t, upstream)

	front := httptest.NewServer(s.app)
	defer front.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		front.URL+"/gateway/"+testGatewayID+"/v1/messages", strings.NewReader(streamingRequestBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAuthToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// Read the first event, then drop the connection mid-stream.
	buf := make([]byte, 1)
	_, err = resp.Body.Read(buf)
	require.NoError(t, err)
	cancel()

	select {
	case <-upstreamGone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request not released after client disconnect")
	}
}

func TestStreamingToolCall(t *testing.T) {
	upstream := newUpstreamStub(t, streamingBody(
		`{"id":"chatcmpl-9","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]},"finish_reason":null}]}`,
		`{"id":"chatcmpl-9","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]},"finish_reason":null}]}`,
		`{"id":"chatcmpl-9","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Oslo\"}"}}]},"finish_reason":null}]}`,
		`{"id":"chatcmpl-9","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	))
	s := newTestServer(t, upstream)

	rec := postMessages(s, testGatewayID, testAuthToken, streamingRequestBody)

	require.Equal(t, http.StatusOK, rec.Code)
	frames := parseSSE(t, rec.Body.String())
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, frameNames(frames))

	var blockStart struct {
		ContentBlock struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"content_block"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[1].data), &blockStart))
	assert.Equal(t, "tool_use", blockStart.ContentBlock.Type)
	assert.Equal(t, "call_1", blockStart.ContentBlock.ID)
	assert.Equal(t, "get_weather", blockStart.ContentBlock.Name)

	var args strings.Builder
	for _, f := range frames {
		if f.name != "content_block_delta" {
			continue
		}
		var delta struct {
			Delta struct {
				PartialJSON string `json:"partial_json"`
			} `json:"delta"`
		}
		require.NoError(t, json.Unmarshal([]byte(f.data), &delta))
		args.WriteString(delta.Delta.PartialJSON)
	}
	assert.JSONEq(t, `{"city":"Oslo"}`, args.String())

	var final struct {
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
	}
	require.NoError(t, json.Unmarshal([]byte(frames[5].data), &final))
	assert.Equal(t, "tool_use", final.Delta.StopReason)
}
