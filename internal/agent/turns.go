package agent

import (
	"time"

	"github.com/rhollins/flowforge/internal/llm"
)

type TurnKind string

const (
	TurnUserInput TurnKind = "USER_INPUT"
	TurnSteering  TurnKind = "STEERING"
	TurnAssistant TurnKind = "ASSISTANT"
	TurnTool      TurnKind = "TOOL"
)

// Turn is the Session's typed history item. Steering turns are kept distinct for observability,
// but are converted to user-role messages when building the LLM request.
type Turn struct {
	Kind    TurnKind
	Message llm.Message
}

// EventKind identifies the category of a SessionEvent.
type EventKind string

const (
	EventSessionStart        EventKind = "SESSION_START"
	EventSessionEnd          EventKind = "SESSION_END"
	EventUserInput           EventKind = "USER_INPUT"
	EventToolCallStart       EventKind = "TOOL_CALL_START"
	EventToolCallOutputDelta EventKind = "TOOL_CALL_OUTPUT_DELTA"
	EventToolCallEnd         EventKind = "TOOL_CALL_END"
	EventAssistantTextStart  EventKind = "ASSISTANT_TEXT_START"
	EventAssistantTextDelta  EventKind = "ASSISTANT_TEXT_DELTA"
	EventAssistantTextEnd    EventKind = "ASSISTANT_TEXT_END"
	EventWarning             EventKind = "WARNING"
	EventError               EventKind = "ERROR"
	EventTurnLimit           EventKind = "TURN_LIMIT"
	EventLoopDetection       EventKind = "LOOP_DETECTION"
	EventSteeringInjected    EventKind = "STEERING_INJECTED"
)

// SessionEvent is a single item in a session's event stream, consumed via
// Session.Events() to drive progress UIs and logging.
type SessionEvent struct {
	Kind      EventKind
	Timestamp time.Time
	SessionID string
	Data      map[string]any
}

