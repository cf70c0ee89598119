package transcode

import (
	"log/slog"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"claudegate/internal/anthropic"
	"claudegate/internal/openai"
)

// defaultPingInterval caps keep-alive ping emission, independent of how often
// the upstream transport sends empty chunks.
const defaultPingInterval = 15 * time.Second

// stopSequenceTailBytes bounds the text retained for the stop_sequence tail
// match so the accumulator stays constant-size.
const stopSequenceTailBytes = 256

type streamPhase int

const (
	phaseNotStarted streamPhase = iota
	phaseStreaming
	phaseDone
	phaseFailed
)

// toolBlockState tracks one upstream tool call across chunks. Argument
// fragments arriving before the function name are buffered in pending and
// flushed as a single fragment once the block opens; after that every
// fragment is re-emitted incrementally, never the cumulative buffer.
type toolBlockState struct {
	blockIndex int
	id         string
	name       string
	started    bool
	pending    string
}

// StreamTranscoder reconstructs the Anthropic event grammar from a live
// sequence of upstream chunks. One instance serves exactly one stream, driven
// by a single producer; its state is scratch owned by the in-flight request
// and discarded when the stream ends or fails.
//
// The transition method Next is independent of the transport: it maps
// (current state, next chunk) to (new state, emitted events).
type StreamTranscoder struct {
	clientModel   string
	stopSequences []string

	phase     streamPhase
	messageID string

	nextIndex int
	textIndex int // -1 while no text block is open
	textTail  string

	tools     map[int]*toolBlockState
	toolOrder []int

	finishReason string
	usage        anthropic.Usage

	pings *rate.Limiter
}

// NewStreamTranscoder builds a transcoder for one in-flight stream.
func NewStreamTranscoder(clientModel string, stopSequences []string) *StreamTranscoder {
	return &StreamTranscoder{
		clientModel:   clientModel,
		stopSequences: stopSequences,
		textIndex:     -1,
		tools:         make(map[int]*toolBlockState),
		pings:         rate.NewLimiter(rate.Every(defaultPingInterval), 1),
	}
}

// Done reports whether the stream completed with message_stop.
func (t *StreamTranscoder) Done() bool { return t.phase == phaseDone }

// Started reports whether message_start has been emitted.
func (t *StreamTranscoder) Started() bool { return t.phase != phaseNotStarted }

// Next consumes one upstream chunk and returns the Anthropic events it
// produces, in emission order. Chunks arriving after the terminal chunk are
// an upstream protocol violation: they are logged and not forwarded.
func (t *StreamTranscoder) Next(chunk openai.StreamChunk) []anthropic.StreamEvent {
	switch t.phase {
	case phaseDone:
		slog.Warn("upstream chunk received after finish_reason, dropping", "chunk_id", chunk.ID)
		return nil
	case phaseFailed:
		return nil
	}

	var events []anthropic.StreamEvent

	if t.phase == phaseNotStarted {
		t.messageID = chunk.ID
		if t.messageID == "" {
			t.messageID = "msg_stream"
		}
		events = append(events, anthropic.NewMessageStart(t.messageID, t.clientModel))
		t.phase = phaseStreaming
	}

	if chunk.Usage != nil {
		t.usage = anthropic.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}

	if chunk.IsEmpty() {
		if t.pings.Allow() {
			events = append(events, anthropic.NewPing())
		}
		return events
	}

	if len(chunk.Choices) == 0 {
		return events
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != nil && *choice.Delta.Content != "" {
		events = append(events, t.consumeText(*choice.Delta.Content)...)
	}

	for _, call := range choice.Delta.ToolCalls {
		events = append(events, t.consumeToolCall(call)...)
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		t.finishReason = *choice.FinishReason
		events = append(events, t.finalize()...)
		t.phase = phaseDone
	}

	return events
}

// Abort closes any open blocks and surfaces the mapped error in-stream. It
// covers upstream transport loss, read timeouts and explicit upstream error
// payloads after the stream has begun; message_stop is never emitted on this
// path.
func (t *StreamTranscoder) Abort(apiErr anthropic.APIError) []anthropic.StreamEvent {
	if t.phase == phaseDone || t.phase == phaseFailed {
		return nil
	}

	var events []anthropic.StreamEvent
	if t.phase == phaseStreaming {
		events = t.closeOpenBlocks()
	}
	events = append(events, anthropic.NewErrorEvent(apiErr))
	t.phase = phaseFailed
	return events
}

func (t *StreamTranscoder) consumeText(text string) []anthropic.StreamEvent {
	var events []anthropic.StreamEvent

	if t.textIndex < 0 {
		t.textIndex = t.nextIndex
		t.nextIndex++
		events = append(events, anthropic.NewTextBlockStart(t.textIndex))
	}
	events = append(events, anthropic.NewTextDelta(t.textIndex, text))

	t.textTail += text
	if len(t.textTail) > stopSequenceTailBytes {
		t.textTail = t.textTail[len(t.textTail)-stopSequenceTailBytes:]
	}
	return events
}

func (t *StreamTranscoder) consumeToolCall(call openai.ToolCall) []anthropic.StreamEvent {
	var events []anthropic.StreamEvent

	state, ok := t.tools[call.Index]
	if !ok {
		state = &toolBlockState{blockIndex: -1}
		t.tools[call.Index] = state
		t.toolOrder = append(t.toolOrder, call.Index)
	}

	if call.ID != "" {
		state.id = call.ID
	}

	if call.Function.Name != "" && !state.started {
		state.name = call.Function.Name

		// A tool block supersedes the open text block.
		if t.textIndex >= 0 {
			events = append(events, anthropic.NewContentBlockStop(t.textIndex))
			t.textIndex = -1
		}

		state.blockIndex = t.nextIndex
		t.nextIndex++
		state.started = true
		events = append(events, anthropic.NewToolUseBlockStart(state.blockIndex, state.id, state.name))

		if state.pending != "" {
			events = append(events, anthropic.NewInputJSONDelta(state.blockIndex, state.pending))
			state.pending = ""
		}
	}

	if call.Function.Arguments != "" {
		if state.started {
			events = append(events, anthropic.NewInputJSONDelta(state.blockIndex, call.Function.Arguments))
		} else {
			state.pending += call.Function.Arguments
		}
	}

	return events
}

// finalize closes every open block in ascending index order, then emits the
// terminal message_delta with the latest known usage totals and message_stop.
func (t *StreamTranscoder) finalize() []anthropic.StreamEvent {
	events := t.closeOpenBlocks()

	stopReason := MapFinishReason(t.finishReason)
	stopSequence := matchStopSequence(t.finishReason, t.textTail, t.stopSequences)

	events = append(events, anthropic.NewMessageDelta(stopReason, stopSequence, t.usage))
	events = append(events, anthropic.NewMessageStop())
	return events
}

func (t *StreamTranscoder) closeOpenBlocks() []anthropic.StreamEvent {
	var open []int
	if t.textIndex >= 0 {
		open = append(open, t.textIndex)
		t.textIndex = -1
	}
	for _, key := range t.toolOrder {
		state := t.tools[key]
		if state.started {
			open = append(open, state.blockIndex)
			state.started = false
		}
	}
	sort.Ints(open)

	events := make([]anthropic.StreamEvent, 0, len(open))
	for _, index := range open {
		events = append(events, anthropic.NewContentBlockStop(index))
	}
	return events
}
