package llm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// StreamEventType discriminates the events a Stream emits. Names mirror the
// wire vocabulary providers already use so adapters can translate 1:1.
type StreamEventType string

const (
	StreamEventStreamStart    StreamEventType = "stream-start"
	StreamEventTextStart      StreamEventType = "text-start"
	StreamEventTextDelta      StreamEventType = "text-delta"
	StreamEventTextEnd        StreamEventType = "text-end"
	StreamEventReasoningStart StreamEventType = "reasoning-start"
	StreamEventReasoningDelta StreamEventType = "reasoning-delta"
	StreamEventReasoningEnd   StreamEventType = "reasoning-end"
	StreamEventToolCallStart  StreamEventType = "tool-call-start"
	StreamEventToolCallDelta  StreamEventType = "tool-call-delta"
	StreamEventToolCallEnd    StreamEventType = "tool-call-end"
	StreamEventStepFinish     StreamEventType = "step-finish"
	StreamEventFinish         StreamEventType = "finish"
	StreamEventError          StreamEventType = "error"
	StreamEventProviderEvent  StreamEventType = "provider-event"
)

// StreamEvent is one unit of a Stream. Only the fields relevant to Type are
// populated; the rest are zero.
type StreamEvent struct {
	Type StreamEventType

	TextID string
	Delta  string

	ToolCall *ToolCallData

	FinishReason *FinishReason
	Usage        *Usage
	Response     *Response

	Err error
	Raw map[string]any
}

// Stream is the provider-agnostic streaming response: Events yields every
// StreamEvent in order and closes when the underlying transport is done or
// Close is called.
type Stream interface {
	Events() <-chan StreamEvent
	Close() error
}

// ChanStream is the concrete Stream every adapter builds: a goroutine sends
// into events via Send, and CloseSend marks completion.
type ChanStream struct {
	events chan StreamEvent
	cancel context.CancelFunc
	closed chan struct{}
}

// NewChanStream creates a ChanStream whose Close cancels the supplied
// context, unblocking whatever goroutine is producing events for it.
func NewChanStream(cancel context.CancelFunc) *ChanStream {
	return &ChanStream{
		events: make(chan StreamEvent, 16),
		cancel: cancel,
		closed: make(chan struct{}),
	}
}

func (s *ChanStream) Send(ev StreamEvent) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

// CloseSend marks the producer side finished; it must be called exactly once
// by the goroutine writing events, typically via defer.
func (s *ChanStream) CloseSend() {
	close(s.events)
}

func (s *ChanStream) Events() <-chan StreamEvent { return s.events }

func (s *ChanStream) Close() error {
	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// StreamAccumulator folds a sequence of StreamEvents into a final Response,
// the way a non-streaming caller would see it.
type StreamAccumulator struct {
	textByID map[string]*strings.Builder
	order    []string
	toolCall map[string]*ToolCallData
	toolOrd  []string
	finish   FinishReason
	usage    Usage
}

func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{
		textByID: map[string]*strings.Builder{},
		toolCall: map[string]*ToolCallData{},
	}
}

func (a *StreamAccumulator) Add(ev StreamEvent) {
	switch ev.Type {
	case StreamEventTextStart:
		if _, ok := a.textByID[ev.TextID]; !ok {
			a.textByID[ev.TextID] = &strings.Builder{}
			a.order = append(a.order, ev.TextID)
		}
	case StreamEventTextDelta:
		b, ok := a.textByID[ev.TextID]
		if !ok {
			b = &strings.Builder{}
			a.textByID[ev.TextID] = b
			a.order = append(a.order, ev.TextID)
		}
		b.WriteString(ev.Delta)
	case StreamEventToolCallEnd:
		if ev.ToolCall != nil {
			if _, ok := a.toolCall[ev.ToolCall.ID]; !ok {
				a.toolOrd = append(a.toolOrd, ev.ToolCall.ID)
			}
			a.toolCall[ev.ToolCall.ID] = ev.ToolCall
		}
	case StreamEventFinish:
		if ev.FinishReason != nil {
			a.finish = *ev.FinishReason
		}
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
	}
}

// Response builds the Response implied by every event added so far.
func (a *StreamAccumulator) Response(provider, model string) Response {
	var parts []ContentPart
	for _, id := range a.order {
		parts = append(parts, ContentPart{Kind: ContentText, Text: a.textByID[id].String()})
	}
	for _, id := range a.toolOrd {
		parts = append(parts, ContentPart{Kind: ContentToolCall, ToolCall: a.toolCall[id]})
	}
	return Response{
		Provider: provider,
		Model:    model,
		Message:  Message{Role: RoleAssistant, Content: parts},
		Finish:   a.finish,
		Usage:    a.usage,
	}
}

// StreamError wraps a provider-reported mid-stream failure. It is distinct
// from the adapter's pre-stream Error hierarchy because partial data may
// already have been delivered to the caller by the time it occurs.
type StreamError struct {
	ProviderName string
	Message      string
}

func NewStreamError(provider, message string) *StreamError {
	return &StreamError{ProviderName: provider, Message: message}
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s stream error: %s", e.ProviderName, e.Message)
}

// AbortError reports that the caller's context was cancelled mid-stream.
type AbortError struct {
	ProviderName string
}

func (e *AbortError) Error() string { return fmt.Sprintf("%s stream aborted", e.ProviderName) }

// WrapContextError converts a context error into an AbortError; any other
// error passes through as a StreamError.
func WrapContextError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &AbortError{ProviderName: provider}
	}
	return NewStreamError(provider, err.Error())
}

// NormalizeFinishReason maps a provider's native stop-reason string to a
// FinishReason, keeping the raw value for diagnostics.
func NormalizeFinishReason(provider, raw string) FinishReason {
	r := strings.ToLower(strings.TrimSpace(raw))
	switch r {
	case "end_turn", "stop", "stop_sequence":
		return FinishReason{Reason: "stop", Raw: raw}
	case "max_tokens", "length":
		return FinishReason{Reason: "length", Raw: raw}
	case "tool_use", "tool_calls", "function_call":
		return FinishReason{Reason: "tool_calls", Raw: raw}
	case "content_filter", "safety":
		return FinishReason{Reason: "content_filter", Raw: raw}
	case "":
		return FinishReason{Reason: "", Raw: raw}
	default:
		return FinishReason{Reason: r, Raw: raw}
	}
}

// SSEEvent is one parsed server-sent-event frame.
type SSEEvent struct {
	Event string
	Data  string
}

// ParseSSE reads text/event-stream framing from r, calling fn once per event
// until EOF, an fn error, or ctx cancellation.
func ParseSSE(ctx context.Context, r io.Reader, fn func(SSEEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var cur SSEEvent
	var data strings.Builder
	flush := func() error {
		if data.Len() == 0 && cur.Event == "" {
			return nil
		}
		cur.Data = strings.TrimSuffix(data.String(), "\n")
		err := fn(cur)
		cur = SSEEvent{}
		data.Reset()
		return err
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			data.WriteString("\n")
		default:
			// ignore comments / unknown fields (id:, retry:)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}
