package openai

import "encoding/json"

// ChatRequest is the chat completions request payload sent upstream.
type ChatRequest struct {
	Model       string      `json:"model"`
	Messages    []Message   `json:"messages"`
	MaxTokens   *int        `json:"max_tokens,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	TopP        *float64    `json:"top_p,omitempty"`
	Stop        []string    `json:"stop,omitempty"`
	Stream      bool        `json:"stream,omitempty"`
	Tools       []Tool      `json:"tools,omitempty"`
	ToolChoice  any         `json:"tool_choice,omitempty"`
}

// Message is one flattened chat message. Content is a plain string; tool
// invocations ride on ToolCalls for assistant messages and tool results are
// their own tool-role messages referencing ToolCallID.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Tool wraps a function definition.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef declares a callable function with a JSON Schema parameter spec.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// NamedToolChoice forces a specific function to be called.
type NamedToolChoice struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

// ToolCall is a complete or fragmentary function invocation. In streaming
// chunks only Index is reliable; ID and the function name may arrive on the
// first fragment only, and Arguments accumulates as raw JSON text.
type ToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the invoked name and raw JSON argument text.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage records upstream token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the non-streaming chat completions response.
type ChatResponse struct {
	ID      string      `json:"id"`
	Model   string      `json:"model"`
	Choices []Choice    `json:"choices"`
	Usage   *Usage      `json:"usage,omitempty"`
	Error   *ErrorBlock `json:"error,omitempty"`
}

// Choice is one response candidate.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant message inside a completed choice.
type ResponseMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// StreamChunk is one unit of an SSE streaming response.
type StreamChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// StreamChoice carries the incremental delta. FinishReason stays nil until
// the terminal chunk.
type StreamChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental part of a streaming assistant message. Content is
// a pointer so an empty fragment can be told apart from an absent field.
type Delta struct {
	Role      string     `json:"role,omitempty"`
	Content   *string    `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// IsEmpty reports whether the chunk carries no deltas, no finish reason and
// no usage, i.e. it is a transport keep-alive.
func (c StreamChunk) IsEmpty() bool {
	if c.Usage != nil {
		return false
	}
	for _, choice := range c.Choices {
		if choice.FinishReason != nil {
			return false
		}
		if choice.Delta.Content != nil || len(choice.Delta.ToolCalls) > 0 {
			return false
		}
	}
	return true
}

// ErrorBlock is the structured upstream error object.
type ErrorBlock struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code,omitempty"`
}

// ErrorResponse is the upstream error envelope.
type ErrorResponse struct {
	Error ErrorBlock `json:"error"`
}
