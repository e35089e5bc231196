package llm

import (
	"context"
	"encoding/json"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentKind discriminates the variants carried in a ContentPart.
type ContentKind string

const (
	ContentText         ContentKind = "text"
	ContentImage        ContentKind = "image"
	ContentAudio        ContentKind = "audio"
	ContentDocument     ContentKind = "document"
	ContentToolCall     ContentKind = "tool_call"
	ContentToolResult   ContentKind = "tool_result"
	ContentThinking     ContentKind = "thinking"
	ContentRedThinking  ContentKind = "redacted_thinking"
)

// MediaPart is the shared shape for image/audio/document content: either an
// inline byte blob or a reference (remote URL or local filesystem path).
type MediaPart struct {
	URL       string
	Data      []byte
	MediaType string
}

// ThinkingData carries a provider's reasoning trace. Signature is Anthropic's
// opaque replay token for extended-thinking blocks; providers that don't use
// one leave it empty.
type ThinkingData struct {
	Text      string
	Signature string
	Redacted  bool
}

// ToolResultData is the content of a tool-result message part.
type ToolResultData struct {
	ToolCallID string
	Name       string
	Content    any
	IsError    bool
}

// ContentPart is one piece of a Message's content; exactly one of the
// pointer/value fields matching Kind is populated.
type ContentPart struct {
	Kind ContentKind

	Text string

	Image    *MediaPart
	Audio    *MediaPart
	Document *MediaPart

	ToolCall   *ToolCallData
	ToolResult *ToolResultData

	Thinking *ThinkingData
}

// ToolCallData describes one invocation of a tool the model requested.
type ToolCallData struct {
	ID        string
	Name      string
	Type      string
	Arguments json.RawMessage
}

// Message is one turn in a conversation.
type Message struct {
	Role    Role
	Content []ContentPart
}

// User builds a plain-text user message.
func User(text string) Message {
	return Message{Role: RoleUser, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}

// Assistant builds a plain-text assistant message.
func Assistant(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}

// System builds a plain-text system message.
func System(text string) Message {
	return Message{Role: RoleSystem, Content: []ContentPart{{Kind: ContentText, Text: text}}}
}

// ToolResultNamed builds a tool-role message carrying a single tool result.
func ToolResultNamed(toolCallID, name string, content any, isError bool) Message {
	return Message{Role: RoleTool, Content: []ContentPart{{
		Kind: ContentToolResult,
		ToolResult: &ToolResultData{
			ToolCallID: toolCallID,
			Name:       name,
			Content:    content,
			IsError:    isError,
		},
	}}}
}

// Text concatenates every text content part of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Kind == ContentText {
			out += p.Text
		}
	}
	return out
}

// ToolDefinition describes a callable tool in JSON-schema form (spec §4.9's
// tool registry feeds this).
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolChoice constrains which tool (if any) the model must call.
type ToolChoice struct {
	// Mode is one of "auto", "none", "required", or "named".
	Mode string
	Name string
}

// ToolExecuteFunc runs a tool's body given its decoded arguments.
type ToolExecuteFunc func(ctx context.Context, args any) (any, error)

// Tool pairs a ToolDefinition advertised to the model with the local
// function that runs it. Execute is nil for passive tools: the model can
// call them, but StreamGenerate reports the call instead of running it.
type Tool struct {
	Definition ToolDefinition
	Execute    ToolExecuteFunc
}

// ResponseFormat constrains the shape of the model's final text output.
type ResponseFormat struct {
	// Type is one of "text", "json", or "json_schema".
	Type       string
	JSONSchema map[string]any
}

// FinishReason is the provider-normalized reason generation stopped.
type FinishReason struct {
	Reason string
	Raw    string
}

// Usage reports token accounting for one Complete/Stream call.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	TotalTokens      int
	CacheReadTokens  *int
	CacheWriteTokens *int
	Raw              map[string]any
}

// Request is the provider-agnostic shape every adapter accepts.
type Request struct {
	Provider        string
	Model           string
	Messages        []Message
	Tools           []ToolDefinition
	ToolChoice      *ToolChoice
	Temperature     *float64
	TopP            *float64
	MaxTokens       *int
	StopSequences   []string
	ResponseFormat  *ResponseFormat
	ProviderOptions map[string]any
}

// Validate checks the minimal invariants every provider relies on.
func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "request has no messages"}
	}
	if r.Model == "" {
		return &ConfigurationError{Message: "request has no model"}
	}
	return nil
}

// Response is one completed (non-streaming) model turn.
type Response struct {
	ID       string
	Provider string
	Model    string
	Message  Message
	Finish   FinishReason
	Usage    Usage
	// Raw holds the provider's decoded wire response for diagnostics; nil
	// when a Response is synthesized rather than parsed from the wire.
	Raw any
}

// Text returns the response message's concatenated text content.
func (r Response) Text() string { return r.Message.Text() }

// ToolCalls returns every tool-call content part of the response message.
func (r Response) ToolCalls() []*ToolCallData {
	var out []*ToolCallData
	for i := range r.Message.Content {
		if p := r.Message.Content[i]; p.Kind == ContentToolCall && p.ToolCall != nil {
			out = append(out, p.ToolCall)
		}
	}
	return out
}
