package transcode

import (
	"fmt"
	"strings"

	"claudegate/internal/anthropic"
	"claudegate/internal/openai"
)

// TranscodeRequest converts a validated Anthropic request into the upstream
// chat completions shape, given an already-resolved upstream model name. It
// is deterministic and performs no I/O.
func TranscodeRequest(req anthropic.ChatRequest, upstreamModel string) (openai.ChatRequest, error) {
	messages := make([]openai.Message, 0, len(req.Messages)+1)

	// System segments collapse to one leading system message, concatenated
	// in order without added separators.
	if len(req.System) > 0 {
		messages = append(messages, openai.Message{
			Role:    "system",
			Content: strings.Join(req.System, ""),
		})
	}

	for i, msg := range req.Messages {
		converted, err := transcodeMessage(msg)
		if err != nil {
			return openai.ChatRequest{}, fmt.Errorf("messages[%d]: %w", i, err)
		}
		messages = append(messages, converted...)
	}

	maxTokens := req.MaxTokens
	out := openai.ChatRequest{
		Model:       upstreamModel,
		Messages:    messages,
		MaxTokens:   &maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	// top_k has no upstream equivalent and is dropped without error.

	// An empty stop list maps to an absent field; some upstreams reject
	// empty stop arrays.
	if len(req.StopSequences) > 0 {
		out.Stop = req.StopSequences
	}

	if len(req.Tools) > 0 {
		tools, err := transcodeTools(req.Tools)
		if err != nil {
			return openai.ChatRequest{}, err
		}
		out.Tools = tools
	}

	if req.ToolChoice != nil {
		choice, err := transcodeToolChoice(*req.ToolChoice)
		if err != nil {
			return openai.ChatRequest{}, err
		}
		out.ToolChoice = choice
	}

	return out, nil
}

// transcodeMessage flattens one Anthropic message into one or more upstream
// messages: tool results become tool-role messages, then any text collapses
// into a single string-content message, with assistant tool_use blocks
// riding on the assistant message as tool_calls.
func transcodeMessage(msg anthropic.Message) ([]openai.Message, error) {
	var out []openai.Message
	var text strings.Builder
	var toolCalls []openai.ToolCall

	for _, block := range msg.Content {
		switch block.Type {
		case anthropic.BlockText:
			text.WriteString(block.Text)
		case anthropic.BlockToolResult:
			if msg.Role != "user" {
				return nil, fmt.Errorf("%w: tool_result blocks belong to user messages", ErrValidation)
			}
			out = append(out, openai.Message{
				Role:       "tool",
				Content:    block.Content,
				ToolCallID: block.ToolUseID,
			})
		case anthropic.BlockToolUse:
			if msg.Role != "assistant" {
				return nil, fmt.Errorf("%w: tool_use blocks belong to assistant messages", ErrValidation)
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		default:
			return nil, fmt.Errorf("%w: content block type %q", ErrValidation, block.Type)
		}
	}

	if text.Len() > 0 || len(toolCalls) > 0 {
		out = append(out, openai.Message{
			Role:      msg.Role,
			Content:   text.String(),
			ToolCalls: toolCalls,
		})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: message has no convertible content", ErrValidation)
	}
	return out, nil
}

func transcodeTools(tools []anthropic.Tool) ([]openai.Tool, error) {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		// Server-side tool types (web search and friends) have no upstream
		// representation; degrading them silently would change semantics.
		switch tool.Type {
		case "", "custom":
		default:
			return nil, fmt.Errorf("%w: tool type %q", ErrUnsupportedFeature, tool.Type)
		}

		params := tool.InputSchema
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		out = append(out, openai.Tool{
			Type: "function",
			Function: openai.FunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return out, nil
}

func transcodeToolChoice(choice anthropic.ToolChoice) (any, error) {
	switch choice.Type {
	case "auto":
		return "auto", nil
	case "any":
		return "required", nil
	case "none":
		return "none", nil
	case "tool":
		if choice.Name == "" {
			return nil, fmt.Errorf("%w: tool_choice of type tool requires a name", ErrValidation)
		}
		named := openai.NamedToolChoice{Type: "function"}
		named.Function.Name = choice.Name
		return named, nil
	default:
		return nil, fmt.Errorf("%w: tool_choice type %q", ErrUnsupportedFeature, choice.Type)
	}
}
