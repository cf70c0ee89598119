package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	errEmptyModel     = errors.New("model must be provided")
	errEmptyMessages  = errors.New("at least one message is required")
	errBadMaxTokens   = errors.New("max_tokens must be a positive integer")
	errInvalidRole    = errors.New("invalid role")
	errInvalidContent = errors.New("invalid message content")
	errInvalidSystem  = errors.New("invalid system prompt")
	errInvalidStops   = errors.New("invalid stop_sequences")
	errInvalidTool    = errors.New("invalid tool definition")
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ChatRequest models the /v1/messages request payload.
type ChatRequest struct {
	Model         string
	MaxTokens     int
	System        []string
	Messages      []Message
	Temperature   *float64
	TopP          *float64
	TopK          *int
	StopSequences []string
	Stream        bool
	Tools         []Tool
	ToolChoice    *ToolChoice
}

// UnmarshalJSON enforces validation and normalises polymorphic fields.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model         string          `json:"model"`
		MaxTokens     int             `json:"max_tokens"`
		System        json.RawMessage `json:"system"`
		Messages      []Message       `json:"messages"`
		Temperature   *float64        `json:"temperature"`
		TopP          *float64        `json:"top_p"`
		TopK          *int            `json:"top_k"`
		StopSequences json.RawMessage `json:"stop_sequences"`
		Stream        bool            `json:"stream"`
		Tools         []Tool          `json:"tools"`
		ToolChoice    *ToolChoice     `json:"tool_choice"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode messages request: %w", err)
	}

	system, err := parseSystem(raw.System)
	if err != nil {
		return err
	}

	stops, err := parseStopSequences(raw.StopSequences)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.MaxTokens = raw.MaxTokens
	r.System = system
	r.Messages = raw.Messages
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.TopK = raw.TopK
	r.StopSequences = stops
	r.Stream = raw.Stream
	r.Tools = raw.Tools
	r.ToolChoice = raw.ToolChoice

	return r.validate()
}

func (r *ChatRequest) validate() error {
	if r.Model == "" {
		return errEmptyModel
	}
	if r.MaxTokens <= 0 {
		return errBadMaxTokens
	}
	if len(r.Messages) == 0 {
		return errEmptyMessages
	}
	for i, msg := range r.Messages {
		if err := msg.validate(); err != nil {
			return fmt.Errorf("messages[%d]: %w", i, err)
		}
	}
	for i, tool := range r.Tools {
		if err := tool.validate(); err != nil {
			return fmt.Errorf("tools[%d]: %w", i, err)
		}
	}
	return nil
}

// Message is one conversational turn with ordered content blocks.
type Message struct {
	Role    string
	Content []ContentBlock
}

// UnmarshalJSON accepts both the string shorthand and the block-array form.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	blocks, err := parseContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = blocks
	return nil
}

func (m *Message) validate() error {
	switch m.Role {
	case "user", "assistant":
	default:
		return fmt.Errorf("%w: %q", errInvalidRole, m.Role)
	}
	if len(m.Content) == 0 {
		return errInvalidContent
	}
	return nil
}

// ContentBlock is the tagged union of message content variants. Exactly the
// fields relevant to Type are populated; unrecognised types are rejected at
// decode time rather than carried through opaquely.
type ContentBlock struct {
	Type string

	// BlockText
	Text string

	// BlockToolUse
	ID    string
	Name  string
	Input json.RawMessage

	// BlockToolResult
	ToolUseID string
	Content   string
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// UnmarshalJSON rejects unknown block shapes.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Input     json.RawMessage `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode content block: %w", err)
	}

	switch raw.Type {
	case BlockText:
		b.Type = BlockText
		b.Text = raw.Text
	case BlockToolUse:
		if strings.TrimSpace(raw.ID) == "" || strings.TrimSpace(raw.Name) == "" {
			return fmt.Errorf("%w: tool_use requires id and name", errInvalidContent)
		}
		b.Type = BlockToolUse
		b.ID = raw.ID
		b.Name = raw.Name
		b.Input = raw.Input
		if len(b.Input) == 0 {
			b.Input = json.RawMessage("{}")
		}
	case BlockToolResult:
		if strings.TrimSpace(raw.ToolUseID) == "" {
			return fmt.Errorf("%w: tool_result requires tool_use_id", errInvalidContent)
		}
		text, err := flattenResultContent(raw.Content)
		if err != nil {
			return err
		}
		b.Type = BlockToolResult
		b.ToolUseID = raw.ToolUseID
		b.Content = text
	default:
		return fmt.Errorf("%w: unsupported block type %q", errInvalidContent, raw.Type)
	}
	return nil
}

// MarshalJSON emits only the fields belonging to the block's variant.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case BlockText:
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{b.Type, b.Text})
	case BlockToolUse:
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return json.Marshal(struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	case BlockToolResult:
		return json.Marshal(struct {
			Type      string `json:"type"`
			ToolUseID string `json:"tool_use_id"`
			Content   string `json:"content"`
		}{b.Type, b.ToolUseID, b.Content})
	default:
		return nil, fmt.Errorf("marshal content block: unsupported type %q", b.Type)
	}
}

// Tool declares a client-supplied tool definition.
type Tool struct {
	Type        string         `json:"type,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

func (t Tool) validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name must be provided", errInvalidTool)
	}
	return nil
}

// ToolChoice steers tool selection: auto, any, none, or a named tool.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Usage records token accounting for a turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResponse models the /v1/messages response payload. StopReason and
// StopSequence serialise as explicit nulls when unset, matching what native
// clients expect.
type ChatResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// APIError is the wire error object inside the error envelope.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse is the top-level Anthropic error envelope.
type ErrorResponse struct {
	Type  string   `json:"type"`
	Error APIError `json:"error"`
}

// NewErrorResponse builds the standard error envelope.
func NewErrorResponse(errType, message string) ErrorResponse {
	return ErrorResponse{
		Type:  "error",
		Error: APIError{Type: errType, Message: message},
	}
}

func parseSystem(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if block.Type != BlockText {
				return nil, fmt.Errorf("%w: unsupported block type %q", errInvalidSystem, block.Type)
			}
			out = append(out, block.Text)
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	}

	return nil, errInvalidSystem
}

func parseStopSequences(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var stops []string
	if err := json.Unmarshal(raw, &stops); err != nil {
		return nil, errInvalidStops
	}
	for _, stop := range stops {
		if stop == "" {
			return nil, errInvalidStops
		}
	}
	return stops, nil
}

func parseContent(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errInvalidContent
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil, errInvalidContent
		}
		return []ContentBlock{TextBlock(text)}, nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, errInvalidContent
	}
	return blocks, nil
}

func flattenResultContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var builder strings.Builder
		for _, block := range blocks {
			if block.Type != BlockText {
				return "", fmt.Errorf("%w: unsupported tool_result block type %q", errInvalidContent, block.Type)
			}
			builder.WriteString(block.Text)
		}
		return builder.String(), nil
	}

	return "", errInvalidContent
}
