package anthropic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatRequestDecodeStringContent(t *testing.T) {
	body := `{
		"model": "claude-sonnet",
		"max_tokens": 256,
		"system": "Be brief.",
		"messages": [{"role": "user", "content": "Hello"}],
		"stop_sequences": ["\n\n"],
		"stream": true
	}`

	var req ChatRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	assert.Equal(t, "claude-sonnet", req.Model)
	assert.Equal(t, 256, req.MaxTokens)
	assert.Equal(t, []string{"Be brief."}, req.System)
	assert.Equal(t, []string{"\n\n"}, req.StopSequences)
	assert.True(t, req.Stream)

	require.Len(t, req.Messages, 1)
	require.Len(t, req.Messages[0].Content, 1)
	assert.Equal(t, BlockText, req.Messages[0].Content[0].Type)
	assert.Equal(t, "Hello", req.Messages[0].Content[0].Text)
}

func TestChatRequestDecodeSystemBlocks(t *testing.T) {
	body := `{
		"model": "claude-sonnet",
		"max_tokens": 10,
		"system": [{"type": "text", "text": "one"}, {"type": "text", "text": "two"}],
		"messages": [{"role": "user", "content": "hi"}]
	}`

	var req ChatRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Equal(t, []string{"one", "two"}, req.System)
}

func TestChatRequestDecodeBlockContent(t *testing.T) {
	body := `{
		"model": "claude-sonnet",
		"max_tokens": 10,
		"messages": [
			{"role": "assistant", "content": [
				{"type": "text", "text": "calling"},
				{"type": "tool_use", "id": "toolu_1", "name": "calc", "input": {"op": "add"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": [{"type": "text", "text": "4"}]}
			]}
		]
	}`

	var req ChatRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))

	assistant := req.Messages[0]
	require.Len(t, assistant.Content, 2)
	assert.Equal(t, BlockToolUse, assistant.Content[1].Type)
	assert.Equal(t, "toolu_1", assistant.Content[1].ID)
	assert.JSONEq(t, `{"op":"add"}`, string(assistant.Content[1].Input))

	result := req.Messages[1].Content[0]
	assert.Equal(t, BlockToolResult, result.Type)
	assert.Equal(t, "toolu_1", result.ToolUseID)
	assert.Equal(t, "4", result.Content)
}

func TestChatRequestDecodeRejections(t *testing.T) {
	cases := map[string]string{
		"missing model":      `{"max_tokens": 10, "messages": [{"role": "user", "content": "x"}]}`,
		"missing max_tokens": `{"model": "m", "messages": [{"role": "user", "content": "x"}]}`,
		"no messages":        `{"model": "m", "max_tokens": 10, "messages": []}`,
		"bad role":           `{"model": "m", "max_tokens": 10, "messages": [{"role": "system", "content": "x"}]}`,
		"empty content":      `{"model": "m", "max_tokens": 10, "messages": [{"role": "user", "content": ""}]}`,
		"unknown block":      `{"model": "m", "max_tokens": 10, "messages": [{"role": "user", "content": [{"type": "image", "source": "x"}]}]}`,
		"empty stop":         `{"model": "m", "max_tokens": 10, "stop_sequences": [""], "messages": [{"role": "user", "content": "x"}]}`,
		"bad system":         `{"model": "m", "max_tokens": 10, "system": 42, "messages": [{"role": "user", "content": "x"}]}`,
	}

	for name, body := range cases {
		var req ChatRequest
		assert.Error(t, json.Unmarshal([]byte(body), &req), name)
	}
}

func TestContentBlockMarshalVariants(t *testing.T) {
	raw, err := json.Marshal(TextBlock("hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","text":"hi"}`, string(raw))

	raw, err = json.Marshal(ToolUseBlock("toolu_1", "calc", json.RawMessage(`{"op":"add"}`)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_use","id":"toolu_1","name":"calc","input":{"op":"add"}}`, string(raw))

	raw, err = json.Marshal(ToolUseBlock("toolu_1", "calc", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool_use","id":"toolu_1","name":"calc","input":{}}`, string(raw))
}

func TestChatResponseNullFields(t *testing.T) {
	resp := ChatResponse{
		ID:      "msg_1",
		Type:    "message",
		Role:    "assistant",
		Model:   "claude-sonnet",
		Content: []ContentBlock{TextBlock("hi")},
	}

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"stop_reason":null`)
	assert.Contains(t, string(raw), `"stop_sequence":null`)
}

func TestStreamEventShapes(t *testing.T) {
	raw, err := json.Marshal(NewTextDelta(0, "Hel"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`, string(raw))

	raw, err = json.Marshal(NewInputJSONDelta(1, `{"a":`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"a\":"}}`, string(raw))

	raw, err = json.Marshal(NewMessageStop())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"message_stop"}`, string(raw))
}
