package transcode

import (
	"fmt"
	"log/slog"
	"strings"

	"claudegate/internal/anthropic"
	"claudegate/internal/openai"
)

// finishReasonTable is the exhaustive upstream finish_reason to Anthropic
// stop_reason mapping. Missing and unknown reasons both resolve to end_turn;
// unknown ones are additionally logged.
var finishReasonTable = map[string]string{
	"stop":           "end_turn",
	"length":         "max_tokens",
	"tool_calls":     "tool_use",
	"content_filter": "stop_sequence",
}

// MapFinishReason resolves an upstream finish_reason, treating the empty
// string as absent. Unknown values are never fatal.
func MapFinishReason(reason string) string {
	if reason == "" {
		return "end_turn"
	}
	if mapped, ok := finishReasonTable[reason]; ok {
		return mapped
	}
	slog.Warn("unknown upstream finish_reason", "finish_reason", reason)
	return "end_turn"
}

// TranscodeResponse converts a complete upstream response into the Anthropic
// message shape. Only choices[0] is used; the emulated protocol returns
// exactly one candidate. The request's stop sequences feed the best-effort
// stop_sequence derivation.
func TranscodeResponse(resp openai.ChatResponse, clientModel string, stopSequences []string) (anthropic.ChatResponse, error) {
	if len(resp.Choices) == 0 {
		return anthropic.ChatResponse{}, fmt.Errorf("%w: response has no choices", ErrUpstreamProtocol)
	}

	choice := resp.Choices[0]

	var content []anthropic.ContentBlock
	if choice.Message.Content != "" || len(choice.Message.ToolCalls) == 0 {
		content = append(content, anthropic.TextBlock(choice.Message.Content))
	}
	for _, call := range choice.Message.ToolCalls {
		content = append(content, anthropic.ToolUseBlock(call.ID, call.Function.Name, normaliseArguments(call.Function.Arguments)))
	}

	stopReason := MapFinishReason(choice.FinishReason)
	stopSequence := matchStopSequence(choice.FinishReason, choice.Message.Content, stopSequences)

	out := anthropic.ChatResponse{
		ID:           resp.ID,
		Type:         "message",
		Role:         "assistant",
		Model:        clientModel,
		Content:      content,
		StopReason:   &stopReason,
		StopSequence: stopSequence,
	}

	if resp.Usage != nil {
		out.Usage = anthropic.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// matchStopSequence derives which request stop string terminated the turn.
// The upstream protocol never reports the matched sequence, so this is a
// best-effort tail match against the content, first match in request order.
func matchStopSequence(finishReason, content string, stopSequences []string) *string {
	if finishReason != "stop" && finishReason != "content_filter" {
		return nil
	}
	for _, stop := range stopSequences {
		if strings.HasSuffix(content, stop) {
			matched := stop
			return &matched
		}
	}
	return nil
}

func normaliseArguments(args string) []byte {
	if strings.TrimSpace(args) == "" {
		return []byte("{}")
	}
	return []byte(args)
}
