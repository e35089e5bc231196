package llm

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy bounds StreamGenerate's retry of a stream that failed before
// delivering any content. Once a provider has started sending text, tool
// calls, or reasoning, the attempt is never retried: replaying it risks
// duplicating output the caller may already have rendered.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool
}

// GenerateOptions parameterizes a single StreamGenerate call, including an
// optional bounded agentic tool-calling loop (spec §4.9).
type GenerateOptions struct {
	Client   *Client
	Provider string
	Model    string

	Messages []Message
	Prompt   *string

	Tools      []Tool
	ToolChoice *ToolChoice

	Temperature *float64
	TopP        *float64
	MaxTokens   *int

	// MaxToolRounds bounds how many additional model calls the tool loop may
	// make after the first. Defaults to 8 when Tools is non-empty, else 0.
	MaxToolRounds *int

	RetryPolicy *RetryPolicy
	// Sleep overrides the retry backoff wait, primarily for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// GenerateResult streams events from StreamGenerate and yields the final
// Response (or error) once the tool loop finishes.
type GenerateResult struct {
	events chan StreamEvent
	done   chan struct{}
	cancel context.CancelFunc

	mu   sync.Mutex
	resp *Response
	err  error
}

func (r *GenerateResult) Events() <-chan StreamEvent { return r.events }

func (r *GenerateResult) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Response blocks until the loop finishes and returns its final Response or
// error. Safe to call before or after Events() is drained.
func (r *GenerateResult) Response() (*Response, error) {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resp, r.err
}

// StreamGenerate drives Client.Stream, optionally looping through tool calls
// until the model produces a final answer or MaxToolRounds is exhausted.
// Events from every round are forwarded to the returned GenerateResult in
// order, with a StreamEventStepFinish marking the boundary between rounds.
func StreamGenerate(ctx context.Context, opts GenerateOptions) (*GenerateResult, error) {
	if opts.Client == nil {
		return nil, &ConfigurationError{Message: "StreamGenerate requires a Client"}
	}

	msgs := append([]Message{}, opts.Messages...)
	if opts.Prompt != nil {
		msgs = append(msgs, User(*opts.Prompt))
	}

	gctx, cancel := context.WithCancel(ctx)
	res := &GenerateResult{
		events: make(chan StreamEvent, 32),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go res.run(gctx, opts, msgs)
	return res, nil
}

func (r *GenerateResult) run(ctx context.Context, opts GenerateOptions, msgs []Message) {
	defer close(r.events)
	defer close(r.done)

	toolDefs := make([]ToolDefinition, len(opts.Tools))
	toolByName := map[string]Tool{}
	for i, t := range opts.Tools {
		toolDefs[i] = t.Definition
		toolByName[t.Definition.Name] = t
	}

	maxRounds := 0
	if opts.MaxToolRounds != nil {
		maxRounds = *opts.MaxToolRounds
	} else if len(opts.Tools) > 0 {
		maxRounds = 8
	}

	round := 0
	for {
		req := Request{
			Provider:    opts.Provider,
			Model:       opts.Model,
			Messages:    msgs,
			Tools:       toolDefs,
			ToolChoice:  opts.ToolChoice,
			Temperature: opts.Temperature,
			TopP:        opts.TopP,
			MaxTokens:   opts.MaxTokens,
		}

		resp, err := r.runOneStream(ctx, opts, req)
		if err != nil {
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			return
		}
		if resp == nil {
			r.mu.Lock()
			r.err = WrapContextError(opts.Provider, ctx.Err())
			r.mu.Unlock()
			return
		}

		r.mu.Lock()
		r.resp = resp
		r.mu.Unlock()

		if resp.Finish.Reason != "tool_calls" {
			return
		}

		var calls []*ToolCallData
		for i := range resp.Message.Content {
			if p := resp.Message.Content[i]; p.Kind == ContentToolCall && p.ToolCall != nil {
				calls = append(calls, p.ToolCall)
			}
		}
		if len(calls) == 0 || round >= maxRounds {
			return
		}

		toolMsg := Message{Role: RoleTool}
		executed := false
		for _, c := range calls {
			t, ok := toolByName[c.Name]
			if !ok || t.Execute == nil {
				continue
			}
			var args any
			_ = json.Unmarshal(c.Arguments, &args)
			out, rerr := t.Execute(ctx, args)
			result := ToolResultData{ToolCallID: c.ID, Name: c.Name, Content: out}
			if rerr != nil {
				result.Content = rerr.Error()
				result.IsError = true
			}
			toolMsg.Content = append(toolMsg.Content, ContentPart{Kind: ContentToolResult, ToolResult: &result})
			executed = true
		}
		if !executed {
			// Every tool call in this turn was passive (no local handler):
			// report the calls but don't keep looping on the model's behalf.
			return
		}

		msgs = append(msgs, resp.Message, toolMsg)
		r.events <- StreamEvent{Type: StreamEventStepFinish, FinishReason: &resp.Finish, Usage: &resp.Usage}
		round++
	}
}

// runOneStream drives exactly one Client.Stream call (plus retries while
// RetryPolicy allows and no content has been delivered yet), forwarding every
// event to r.events and returning the round's final Response.
func (r *GenerateResult) runOneStream(ctx context.Context, opts GenerateOptions, req Request) (*Response, error) {
	maxAttempts := 1
	if opts.RetryPolicy != nil {
		maxAttempts = opts.RetryPolicy.MaxRetries + 1
	}

	for attempt := 1; ; attempt++ {
		delivered := false
		var streamErr error
		var finalResp *Response

		st, err := opts.Client.Stream(ctx, req)
		if err != nil {
			streamErr = err
		} else {
			for ev := range st.Events() {
				switch ev.Type {
				case StreamEventTextStart, StreamEventTextDelta, StreamEventToolCallStart, StreamEventReasoningStart:
					delivered = true
				}
				r.events <- ev
				if ev.Type == StreamEventError {
					streamErr = ev.Err
				}
				if ev.Type == StreamEventFinish && ev.Response != nil {
					rp := *ev.Response
					finalResp = &rp
				}
			}
			_ = st.Close()
		}

		if streamErr == nil && finalResp != nil {
			return finalResp, nil
		}
		if streamErr == nil && ctx.Err() != nil {
			r.events <- StreamEvent{Type: StreamEventError, Err: WrapContextError(opts.Provider, ctx.Err())}
			return nil, nil
		}
		if streamErr == nil {
			streamErr = NewStreamError(opts.Provider, "stream ended without finish event")
			r.events <- StreamEvent{Type: StreamEventError, Err: streamErr}
		}

		if delivered || opts.RetryPolicy == nil || attempt >= maxAttempts {
			return nil, streamErr
		}

		if serr := r.sleepBeforeRetry(ctx, opts, attempt); serr != nil {
			return nil, streamErr
		}
	}
}

func (r *GenerateResult) sleepBeforeRetry(ctx context.Context, opts GenerateOptions, attempt int) error {
	d := backoffDelay(opts.RetryPolicy, attempt)
	sleep := opts.Sleep
	if sleep == nil {
		sleep = defaultSleep
	}
	return sleep(ctx, d)
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func backoffDelay(p *RetryPolicy, attempt int) time.Duration {
	if p == nil {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
	}
	return d
}
