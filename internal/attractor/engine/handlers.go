package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rhollins/flowforge/internal/attractor/model"
	"github.com/rhollins/flowforge/internal/attractor/runtime"
)

// Execution bundles everything a handler needs to run one node.
type Execution struct {
	Graph    *model.Graph
	Context  *runtime.Context
	LogsRoot string
	Engine   *Engine
}

// Handler is implemented once per node shape (spec §4.7). A handler never
// writes status.json itself; the engine does that after Execute returns.
type Handler interface {
	Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error)
}

// SingleExecutionHandler lets a handler opt out of retry looping. Conditional
// pass-through nodes are the canonical example: retrying a routing point burns
// retry budget without useful work.
type SingleExecutionHandler interface {
	Handler
	SkipRetry() bool
}

type HandlerRegistry struct {
	handlers       map[string]Handler
	defaultHandler Handler
}

func NewDefaultRegistry() *HandlerRegistry {
	reg := &HandlerRegistry{handlers: map[string]Handler{}}
	reg.Register(model.ShapeStart, &StartHandler{})
	reg.Register(model.ShapeExit, &ExitHandler{})
	reg.Register(model.ShapeConditional, &ConditionalHandler{})
	reg.Register(model.ShapeHumanGate, &HumanGateHandler{})
	reg.Register(model.ShapeParallel, &ParallelHandler{})
	reg.Register(model.ShapeFanIn, &FanInHandler{})
	reg.Register(model.ShapeToolShell, &ToolShellHandler{})
	reg.defaultHandler = &CodergenHandler{}
	reg.Register(model.ShapeCodergen, reg.defaultHandler)
	return reg
}

func (r *HandlerRegistry) Register(shapeOrType string, h Handler) {
	if r.handlers == nil {
		r.handlers = map[string]Handler{}
	}
	r.handlers[shapeOrType] = h
}

func (r *HandlerRegistry) KnownTypes() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}

// Resolve picks the handler for a node: an explicit type_override wins, then
// the node's shape, then the codergen default (spec §4.7's "custom" shape
// falls through to codergen unless a type_override names a registered
// handler).
func (r *HandlerRegistry) Resolve(n *model.Node) Handler {
	if n == nil {
		return r.defaultHandler
	}
	if t := strings.TrimSpace(n.TypeOverride()); t != "" {
		if h, ok := r.handlers[t]; ok {
			return h
		}
	}
	if h, ok := r.handlers[n.Shape()]; ok {
		return h
	}
	return r.defaultHandler
}

type StartHandler struct{}

func (h *StartHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	return runtime.Outcome{Status: runtime.StatusSuccess, Notes: "start"}, nil
}

type ExitHandler struct{}

func (h *ExitHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	return runtime.Outcome{Status: runtime.StatusSuccess, Notes: "exit"}, nil
}

// ConditionalHandler is a pure pass-through: edge selection, not the handler,
// does the routing work. Executing it twice on retry would be wasted work, so
// it opts out via SkipRetry.
type ConditionalHandler struct{}

func (h *ConditionalHandler) SkipRetry() bool { return true }

func (h *ConditionalHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	return runtime.Outcome{Status: runtime.StatusSuccess, Notes: "conditional pass-through"}, nil
}

// CodergenBackend runs a prompt through the coding agent session and returns
// the final assistant text plus the outcome it maps to. Swappable for tests.
type CodergenBackend interface {
	Run(ctx context.Context, node *model.Node, prompt string) (response string, out runtime.Outcome, err error)
}

// sentinelRetryMarkers are the Coding Agent Session's documented hard-limit
// markers (spec §4.9); a codergen node reporting one of these retries instead
// of failing outright, since the limit may not recur on a fresh attempt.
var sentinelRetryMarkers = []string{
	"[Turn limit reached]",
	"[Tool round limit reached]",
}

func classifyCodergenResponse(resp string) runtime.StageStatus {
	trimmed := strings.TrimSpace(resp)
	if strings.HasPrefix(trimmed, "[Error:") {
		return runtime.StatusRetry
	}
	for _, marker := range sentinelRetryMarkers {
		if trimmed == marker {
			return runtime.StatusRetry
		}
	}
	return runtime.StatusSuccess
}

type CodergenHandler struct{}

func (h *CodergenHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	stageDir := filepath.Join(exec.LogsRoot, node.ID)
	prompt := strings.TrimSpace(node.Prompt())
	if prompt == "" {
		prompt = node.Label()
	}
	if err := os.WriteFile(filepath.Join(stageDir, "prompt.md"), []byte(prompt), 0o644); err != nil {
		return runtime.Outcome{}, err
	}

	backend := exec.Engine.CodergenBackend
	if backend == nil {
		backend = &SimulatedCodergenBackend{}
	}
	resp, out, err := backend.Run(ctx, node, prompt)
	if err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, Notes: err.Error()}, nil
	}
	if strings.TrimSpace(resp) != "" {
		if werr := os.WriteFile(filepath.Join(stageDir, "response.md"), []byte(resp), 0o644); werr != nil {
			return runtime.Outcome{}, werr
		}
	}

	if out.Status == "" {
		out.Status = classifyCodergenResponse(resp)
	}
	if out.ContextUpdates == nil {
		out.ContextUpdates = map[string]string{}
	}
	out.ContextUpdates["last_action"] = "codergen"
	return out, nil
}

// SimulatedCodergenBackend is the default backend wired until a live
// provider/session is configured; it lets graphs round-trip through the
// engine in tests without a network call.
type SimulatedCodergenBackend struct{}

func (b *SimulatedCodergenBackend) Run(ctx context.Context, node *model.Node, prompt string) (string, runtime.Outcome, error) {
	return fmt.Sprintf("[simulated] %s", node.ID), runtime.Outcome{Status: runtime.StatusSuccess}, nil
}

// HumanGateHandler asks the Interviewer to pick among the node's outgoing
// edge labels (spec §4.7).
type HumanGateHandler struct{}

func (h *HumanGateHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	edges := exec.Graph.Outgoing(node.ID)
	var options []Option
	for _, e := range edges {
		if e == nil {
			continue
		}
		label := strings.TrimSpace(e.Label())
		if label == "" {
			continue
		}
		options = append(options, Option{Label: label, To: e.To})
	}

	q := Question{
		Text:    node.Attr("question", node.Label()),
		Type:    QuestionSingleSelect,
		Options: options,
	}
	if len(options) == 0 {
		q.Type = QuestionFreeText
	}

	interviewer := exec.Engine.Interviewer
	if interviewer == nil {
		interviewer = &AutoApproveInterviewer{}
	}
	ans := interviewer.Ask(ctx, q)
	return runtime.Outcome{Status: runtime.StatusSuccess, PreferredLabel: ans.Text}, nil
}

// ToolShellHandler runs the node's command attribute in a POSIX shell with a
// bounded timeout (spec §4.7).
type ToolShellHandler struct{}

func (h *ToolShellHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	stageDir := filepath.Join(exec.LogsRoot, node.ID)
	cmdStr := strings.TrimSpace(node.Attr("command", ""))
	if cmdStr == "" {
		return runtime.Outcome{Status: runtime.StatusFail, Notes: "no command attribute"}, nil
	}
	timeout := parseDuration(node.Attr("timeout", ""), 10*time.Second)

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return runToolShellCommand(cctx, cmdStr, stageDir)
}

func runToolShellCommand(ctx context.Context, cmdStr string, stageDir string) (runtime.Outcome, error) {
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return runtime.Outcome{}, err
	}
	cmd := exec.CommandContext(ctx, "bash", "-c", cmdStr)
	cmd.Stdin = strings.NewReader("")
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if werr := os.WriteFile(filepath.Join(stageDir, "stdout.txt"), []byte(stdout.String()), 0o644); werr != nil {
		return runtime.Outcome{}, werr
	}
	if werr := os.WriteFile(filepath.Join(stageDir, "stderr.txt"), []byte(stderr.String()), 0o644); werr != nil {
		return runtime.Outcome{}, werr
	}

	if ctx.Err() == context.DeadlineExceeded {
		return runtime.Outcome{Status: runtime.StatusRetry, Notes: "tool-shell command timed out"}, nil
	}
	if runErr != nil {
		return runtime.Outcome{Status: runtime.StatusRetry, Notes: strings.TrimSpace(stderr.String())}, nil
	}
	return runtime.Outcome{Status: runtime.StatusSuccess}, nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if n, ok := parseIntPrefix(s); ok {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func parseIntPrefix(s string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// Interviewer is the human-gate abstraction (spec §4.11): two implementations
// exist, AutoApproveInterviewer and a file-based one in interviewer.go.
type Interviewer interface {
	Ask(ctx context.Context, q Question) Answer
}

type QuestionType string

const (
	QuestionSingleSelect QuestionType = "single-select"
	QuestionFreeText     QuestionType = "free-text"
	QuestionConfirm      QuestionType = "confirm"
)

type Question struct {
	Text    string
	Type    QuestionType
	Options []Option
}

type Option struct {
	Label string
	To    string
}

type Answer struct {
	Text string
}

type AutoApproveInterviewer struct{}

func (i *AutoApproveInterviewer) Ask(ctx context.Context, q Question) Answer {
	switch q.Type {
	case QuestionSingleSelect:
		if len(q.Options) > 0 {
			return Answer{Text: q.Options[0].Label}
		}
		return Answer{}
	case QuestionConfirm:
		return Answer{Text: "yes"}
	default:
		return Answer{}
	}
}
