package anthropic

// Stream event names, also used as SSE event fields.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// StreamEvent is implemented by every /v1/messages SSE event payload.
type StreamEvent interface {
	EventName() string
}

// MessageStartEvent opens the stream with a skeleton message.
type MessageStartEvent struct {
	Type    string       `json:"type"`
	Message ChatResponse `json:"message"`
}

func (MessageStartEvent) EventName() string { return EventMessageStart }

// NewMessageStart builds the skeleton message_start event. The skeleton
// carries no usage or stop reason yet.
func NewMessageStart(id, model string) MessageStartEvent {
	return MessageStartEvent{
		Type: EventMessageStart,
		Message: ChatResponse{
			ID:      id,
			Type:    "message",
			Role:    "assistant",
			Model:   model,
			Content: []ContentBlock{},
		},
	}
}

// ContentBlockStartEvent opens a content block at an index.
type ContentBlockStartEvent struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

func (ContentBlockStartEvent) EventName() string { return EventContentBlockStart }

// NewTextBlockStart opens an empty text block.
func NewTextBlockStart(index int) ContentBlockStartEvent {
	return ContentBlockStartEvent{
		Type:         EventContentBlockStart,
		Index:        index,
		ContentBlock: TextBlock(""),
	}
}

// NewToolUseBlockStart opens a tool_use block with empty input; the input
// arrives incrementally as input_json_delta fragments.
func NewToolUseBlockStart(index int, id, name string) ContentBlockStartEvent {
	return ContentBlockStartEvent{
		Type:         EventContentBlockStart,
		Index:        index,
		ContentBlock: ToolUseBlock(id, name, nil),
	}
}

// Delta is the payload of a content_block_delta event.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// ContentBlockDeltaEvent carries an incremental content fragment.
type ContentBlockDeltaEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

func (ContentBlockDeltaEvent) EventName() string { return EventContentBlockDelta }

// NewTextDelta builds a text_delta fragment event.
func NewTextDelta(index int, text string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{
		Type:  EventContentBlockDelta,
		Index: index,
		Delta: Delta{Type: "text_delta", Text: text},
	}
}

// NewInputJSONDelta builds an input_json_delta fragment event.
func NewInputJSONDelta(index int, partial string) ContentBlockDeltaEvent {
	return ContentBlockDeltaEvent{
		Type:  EventContentBlockDelta,
		Index: index,
		Delta: Delta{Type: "input_json_delta", PartialJSON: partial},
	}
}

// ContentBlockStopEvent closes a content block.
type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

func (ContentBlockStopEvent) EventName() string { return EventContentBlockStop }

// NewContentBlockStop closes the block at index.
func NewContentBlockStop(index int) ContentBlockStopEvent {
	return ContentBlockStopEvent{Type: EventContentBlockStop, Index: index}
}

// MessageDelta carries the terminal stop reason for the turn.
type MessageDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// MessageDeltaEvent reports the stop reason and the final usage totals.
type MessageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta MessageDelta `json:"delta"`
	Usage Usage        `json:"usage"`
}

func (MessageDeltaEvent) EventName() string { return EventMessageDelta }

// NewMessageDelta builds the terminal message_delta event. Usage must be the
// final, complete counts for the whole turn.
func NewMessageDelta(stopReason string, stopSequence *string, usage Usage) MessageDeltaEvent {
	return MessageDeltaEvent{
		Type:  EventMessageDelta,
		Delta: MessageDelta{StopReason: stopReason, StopSequence: stopSequence},
		Usage: usage,
	}
}

// MessageStopEvent terminates a successful stream.
type MessageStopEvent struct {
	Type string `json:"type"`
}

func (MessageStopEvent) EventName() string { return EventMessageStop }

// NewMessageStop builds the final message_stop event.
func NewMessageStop() MessageStopEvent {
	return MessageStopEvent{Type: EventMessageStop}
}

// PingEvent keeps an idle client connection alive.
type PingEvent struct {
	Type string `json:"type"`
}

func (PingEvent) EventName() string { return EventPing }

// NewPing builds a ping event.
func NewPing() PingEvent {
	return PingEvent{Type: EventPing}
}

// ErrorEvent surfaces a mid-stream failure.
type ErrorEvent struct {
	Type  string   `json:"type"`
	Error APIError `json:"error"`
}

func (ErrorEvent) EventName() string { return EventError }

// NewErrorEvent wraps a mapped error for in-stream delivery.
func NewErrorEvent(apiErr APIError) ErrorEvent {
	return ErrorEvent{Type: EventError, Error: apiErr}
}
