package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"claudegate/internal/anthropic"
	"claudegate/internal/gateway"
	"claudegate/internal/openai"
	"claudegate/internal/transcode"
)

type recvResult struct {
	chunk openai.StreamChunk
	err   error
}

// streamMessages drives one upstream chunk feed through a per-request
// StreamTranscoder and into the client SSE sink. The chunk channel is
// unbuffered so backpressure from a slow client pauses the upstream read
// instead of buffering. Failures before any byte is written surface as a
// complete error response; after that, as an in-stream error event.
func (s *Server) streamMessages(c echo.Context, gw *gateway.Gateway, req anthropic.ChatRequest, upstreamReq openai.ChatRequest) error {
	ctx := c.Request().Context()

	stream, err := gw.Client.StreamChatCompletion(ctx, upstreamReq)
	if err != nil {
		return toAPIError(err)
	}
	defer stream.Close()

	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		slog.Error("http writer does not support flushing")
		return apiError{
			Status: http.StatusInternalServerError,
			Object: anthropic.APIError{Type: transcode.TypeAPIError, Message: "server does not support streaming responses"},
		}
	}

	machine := transcode.NewStreamTranscoder(req.Model, req.StopSequences)

	chunks := make(chan recvResult)
	go func() {
		defer close(chunks)
		for {
			chunk, recvErr := stream.Recv()
			select {
			case chunks <- recvResult{chunk: chunk, err: recvErr}:
			case <-ctx.Done():
				return
			}
			if recvErr != nil {
				return
			}
		}
	}()

	sink := &eventSink{c: c, writer: writer, flusher: flusher}

	readTimer := time.NewTimer(s.upstreamReadTimeout)
	defer readTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away: tear down the upstream read without
			// emitting further events. Not an error condition.
			return nil

		case <-readTimer.C:
			return s.failStream(sink, machine, fmt.Errorf("%w: no upstream data within %s", transcode.ErrUpstreamTransport, s.upstreamReadTimeout))

		case res, open := <-chunks:
			if !open {
				res.err = io.EOF
			}

			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					if machine.Done() {
						return nil
					}
					return s.failStream(sink, machine, fmt.Errorf("%w: upstream stream ended before completion", transcode.ErrStreamAbort))
				}
				return s.failStream(sink, machine, res.err)
			}

			if err := sink.write(machine.Next(res.chunk)); err != nil {
				return nil
			}
			if machine.Done() {
				return nil
			}
			resetTimer(readTimer, s.upstreamReadTimeout)
		}
	}
}

// failStream surfaces a mid-stream failure. When nothing has been written
// yet the caller still owes the client a complete error response instead of
// a partial stream.
func (s *Server) failStream(sink *eventSink, machine *transcode.StreamTranscoder, err error) error {
	if !machine.Started() && !sink.started {
		return toAPIError(err)
	}

	obj, _ := transcode.MapError(err)
	if writeErr := sink.write(machine.Abort(obj)); writeErr != nil {
		slog.Warn("failed to deliver stream error event", "err", writeErr)
	}
	return nil
}

// eventSink writes Anthropic events as SSE frames, sending headers lazily
// so pre-stream failures can still use a plain error response.
type eventSink struct {
	c       echo.Context
	writer  io.Writer
	flusher http.Flusher
	started bool
}

func (s *eventSink) write(events []anthropic.StreamEvent) error {
	if len(events) == 0 {
		return nil
	}

	if !s.started {
		header := s.c.Response().Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		s.c.Response().WriteHeader(http.StatusOK)
		s.started = true
	}

	for _, event := range events {
		if err := writeSSEEvent(s.writer, event); err != nil {
			return err
		}
		s.flusher.Flush()
	}
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
