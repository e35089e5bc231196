package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	rdebug "runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rhollins/flowforge/internal/attractor/cond"
	"github.com/rhollins/flowforge/internal/attractor/dot"
	"github.com/rhollins/flowforge/internal/attractor/model"
	"github.com/rhollins/flowforge/internal/attractor/runtime"
	"github.com/rhollins/flowforge/internal/attractor/style"
	"github.com/rhollins/flowforge/internal/attractor/validate"
)

// RunOptions configures one pipeline run (spec §4.8).
type RunOptions struct {
	// WorkspaceRoot is the directory prompt_file paths and tool-shell commands
	// resolve against. Defaults to the current working directory.
	WorkspaceRoot string

	// RunID is a globally unique filesystem-safe identifier. If empty, one is generated (ULID).
	RunID string

	// LogsRoot defaults to ${XDG_STATE_HOME:-$HOME/.local/state}/flowforge/runs/<run_id>.
	LogsRoot string

	// Interviewer services human_gate nodes. Defaults to AutoApproveInterviewer.
	Interviewer Interviewer

	// ProgressSink, if set, is called once per node transition with a
	// deep-copyable snapshot (run_id, node_id, event, ts). Used by callers
	// that want to observe a run without polling the checkpoint file.
	ProgressSink func(map[string]any)
}

func (o *RunOptions) applyDefaults() error {
	if o.RunID == "" {
		id, err := NewRunID()
		if err != nil {
			return err
		}
		o.RunID = id
	}
	if o.LogsRoot == "" {
		o.LogsRoot = defaultLogsRoot(o.RunID)
	}
	if o.WorkspaceRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			o.WorkspaceRoot = wd
		}
	}
	return nil
}

// NewRunID generates a ULID string, used as the default run identifier.
func NewRunID() (string, error) {
	return ulid.Make().String(), nil
}

// Engine holds everything needed to drive one graph through to completion.
type Engine struct {
	Graph *model.Graph

	Options RunOptions

	// Original DOT input (pre-transforms), captured for replay/resume.
	DotSource []byte

	LogsRoot string

	Context *runtime.Context

	Registry *HandlerRegistry

	// Backend for codergen nodes.
	CodergenBackend CodergenBackend

	Interviewer Interviewer

	warningsMu sync.Mutex
	Warnings   []string
}

func (e *Engine) Warn(msg string) {
	if e == nil {
		return
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return
	}
	e.warningsMu.Lock()
	e.Warnings = append(e.Warnings, msg)
	e.warningsMu.Unlock()
}

func (e *Engine) warningsCopy() []string {
	if e == nil {
		return nil
	}
	e.warningsMu.Lock()
	defer e.warningsMu.Unlock()
	return append([]string{}, e.Warnings...)
}

// Result is returned once a run reaches its exit node.
type Result struct {
	RunID          string
	LogsRoot       string
	FinalStatus    runtime.StageStatus
	CompletedNodes []string
	Warnings       []string
}

type PrepareOptions struct {
	Transforms    []Transform
	WorkspaceRoot string
}

// Prepare parses, transforms, and validates a graph, per spec §4.8 step 1:
// apply transforms (stylesheet, $goal expansion, custom transforms) then
// ValidateOrRaise.
func Prepare(dotSource []byte) (*model.Graph, []validate.Diagnostic, error) {
	return PrepareWithOptions(dotSource, PrepareOptions{})
}

func PrepareWithRegistry(dotSource []byte, reg *TransformRegistry) (*model.Graph, []validate.Diagnostic, error) {
	opts := PrepareOptions{}
	if reg != nil {
		opts.Transforms = reg.List()
	}
	return PrepareWithOptions(dotSource, opts)
}

func PrepareWithOptions(dotSource []byte, opts PrepareOptions) (*model.Graph, []validate.Diagnostic, error) {
	g, err := dot.Parse(dotSource)
	if err != nil {
		return nil, nil, err
	}

	if raw := strings.TrimSpace(g.Attrs["model_stylesheet"]); raw != "" {
		rules, err := style.ParseStylesheet(raw)
		if err != nil {
			diags := []validate.Diagnostic{{
				Rule:     "stylesheet_syntax",
				Severity: validate.SeverityError,
				Message:  err.Error(),
			}}
			return g, diags, fmt.Errorf("stylesheet parse: %w", err)
		}
		if err := style.ApplyStylesheet(g, rules); err != nil {
			return g, nil, fmt.Errorf("stylesheet apply: %w", err)
		}
	}
	if err := expandPromptFiles(g, opts.WorkspaceRoot); err != nil {
		return g, nil, err
	}
	_ = (goalExpansionTransform{}).Apply(g)

	for _, tr := range opts.Transforms {
		if tr == nil {
			continue
		}
		if err := tr.Apply(g); err != nil {
			return g, nil, fmt.Errorf("transform %s: %w", tr.ID(), err)
		}
	}

	diags := validate.Validate(g)
	if err := validate.ValidateOrRaise(g); err != nil {
		return g, diags, err
	}
	return g, diags, nil
}

// NewEngine parses and validates dotSource and builds an Engine ready to Run.
// Callers that want to observe or cancel a run in progress (the HTTP server
// does both) build the Engine themselves instead of calling Run directly, so
// they can hold a reference to it before the run completes.
func NewEngine(dotSource []byte, opts RunOptions) (*Engine, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	g, _, err := PrepareWithOptions(dotSource, PrepareOptions{WorkspaceRoot: opts.WorkspaceRoot})
	if err != nil {
		return nil, err
	}

	interviewer := opts.Interviewer
	if interviewer == nil {
		interviewer = &AutoApproveInterviewer{}
	}

	return &Engine{
		Graph:           g,
		Options:         opts,
		DotSource:       append([]byte{}, dotSource...),
		LogsRoot:        opts.LogsRoot,
		Context:         runtime.NewContext(),
		Registry:        NewDefaultRegistry(),
		Interviewer:     interviewer,
		CodergenBackend: &SimulatedCodergenBackend{},
	}, nil
}

// Run executes the pipeline to completion (or to the first unrecoverable
// error), resuming from an on-disk checkpoint when one is present.
func Run(ctx context.Context, dotSource []byte, opts RunOptions) (*Result, error) {
	eng, err := NewEngine(dotSource, opts)
	if err != nil {
		return nil, err
	}
	return eng.Run(ctx)
}

// Run drives an already-built Engine to completion. Exported so callers that
// need a handle to the Engine before it finishes (NewEngine) can start it.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	return e.run(ctx)
}

func (e *Engine) emitProgress(nodeID, event string) {
	if e == nil || e.Options.ProgressSink == nil {
		return
	}
	e.Options.ProgressSink(map[string]any{
		"run_id":  e.Options.RunID,
		"node_id": nodeID,
		"event":   event,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (e *Engine) run(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(e.LogsRoot, 0o755); err != nil {
		return nil, err
	}
	if len(e.DotSource) > 0 {
		if err := os.WriteFile(filepath.Join(e.LogsRoot, "graph.dot"), e.DotSource, 0o644); err != nil {
			return nil, err
		}
	}

	checkpointPath := filepath.Join(e.LogsRoot, "checkpoint.json")
	cp, found, err := runtime.LoadCheckpoint(checkpointPath)
	if err != nil {
		return nil, err
	}

	completed := []string{}
	nodeRetries := map[string]int{}
	nodeOutcomes := map[string]runtime.Outcome{}
	var current string

	if found {
		e.Context.LoadSnapshot(cp.Context)
		completed = append([]string{}, cp.CompletedNodes...)
		for k, v := range cp.RetryCounts {
			nodeRetries[k] = v
		}
		current = cp.CurrentNodeID
	} else {
		for k, v := range e.Graph.Attrs {
			e.Context.Set("graph."+k, v)
		}
		current = findStartNodeID(e.Graph)
		if current == "" {
			return nil, fmt.Errorf("no start node found")
		}
	}

	return e.runLoop(ctx, current, completed, nodeRetries, nodeOutcomes)
}

// runLoop is the Pipeline Engine lifecycle's main loop (spec §4.8 step 3).
func (e *Engine) runLoop(ctx context.Context, current string, completed []string, nodeRetries map[string]int, nodeOutcomes map[string]runtime.Outcome) (*Result, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		node := e.Graph.Nodes[current]
		if node == nil {
			return nil, fmt.Errorf("missing node: %s", current)
		}
		prev := ""
		if len(completed) > 0 {
			prev = completed[len(completed)-1]
		}
		e.Context.Set("previous_node", prev)
		e.Context.Set("current_node", current)
		e.emitProgress(current, "node_started")

		if isTerminal(node) {
			ok, failedGate := checkGoalGates(e.Graph, nodeOutcomes)
			if !ok && failedGate != "" {
				retryTarget := resolveRetryTarget(e.Graph, failedGate)
				if retryTarget == "" {
					return nil, fmt.Errorf("goal gate unsatisfied (%s) and no retry target", failedGate)
				}
				current = retryTarget
				continue
			}

			out, err := e.executeNode(ctx, node)
			if err != nil {
				return nil, err
			}
			nodeOutcomes[node.ID] = out
			completed = append(completed, node.ID)
			if err := e.checkpoint(checkpointPathOf(e.LogsRoot), current, completed, nodeRetries); err != nil {
				return nil, err
			}
			return e.finalizeSuccess(completed)
		}

		out, err := e.executeWithRetry(ctx, node, nodeRetries)
		if err != nil {
			return nil, err
		}

		completed = append(completed, node.ID)
		nodeOutcomes[node.ID] = out
		e.emitProgress(node.ID, "node_finished:"+string(out.Status))

		retryTarget := out.ContextUpdates["engine.retry_target"]
		if retryTarget != "" {
			delete(out.ContextUpdates, "engine.retry_target")
		}
		e.Context.Merge(out.ContextUpdates)
		e.Context.Set("outcome", string(out.Status))
		e.Context.Set("preferred_label", out.PreferredLabel)

		if err := e.checkpoint(checkpointPathOf(e.LogsRoot), current, completed, nodeRetries); err != nil {
			return nil, err
		}
		if err := e.writeStatusSnapshot(node.ID, out); err != nil {
			return nil, err
		}

		if retryTarget != "" {
			current = retryTarget
			continue
		}

		if node.Shape() == model.ShapeParallel {
			join := strings.TrimSpace(e.Context.Get("parallel.join_node"))
			if join == "" {
				return nil, fmt.Errorf("parallel node %s: no fan-in node reachable from its branches", node.ID)
			}
			current = join
			continue
		}

		next, err := selectNextEdge(e.Graph, node.ID, out, e.Context)
		if err != nil {
			return nil, err
		}
		if next == nil {
			if out.Status == runtime.StatusFail {
				return nil, fmt.Errorf("stage failed with no outgoing edge: %s", out.Notes)
			}
			return e.finalizeSuccess(completed)
		}

		if next.LoopRestart() {
			completed = removeNodeID(completed, next.To)
			delete(nodeRetries, next.To)
			current = next.To
			continue
		}
		current = next.To
	}
}

func (e *Engine) finalizeSuccess(completed []string) (*Result, error) {
	res := &runtime.Result{
		Status:         runtime.StatusSuccess,
		CompletedNodes: append([]string{}, completed...),
		Finished:       time.Now().UTC(),
	}
	if err := res.Save(filepath.Join(e.LogsRoot, "result.json")); err != nil {
		return nil, err
	}
	return &Result{
		RunID:          e.Options.RunID,
		LogsRoot:       e.LogsRoot,
		FinalStatus:    runtime.StatusSuccess,
		CompletedNodes: res.CompletedNodes,
		Warnings:       e.warningsCopy(),
	}, nil
}

func checkpointPathOf(logsRoot string) string { return filepath.Join(logsRoot, "checkpoint.json") }

func (e *Engine) checkpoint(path string, currentNodeID string, completed []string, retries map[string]int) error {
	cp := runtime.NewCheckpoint()
	cp.Timestamp = time.Now().UTC()
	cp.CurrentNodeID = currentNodeID
	cp.CompletedNodes = append([]string{}, completed...)
	cp.Context = e.Context.Snapshot()
	cp.RetryCounts = copyStringIntMap(retries)
	return cp.Save(path)
}

func (e *Engine) writeStatusSnapshot(nodeID string, out runtime.Outcome) error {
	return writeJSON(filepath.Join(e.LogsRoot, nodeID, "status.json"), out)
}

func (e *Engine) executeNode(ctx context.Context, node *model.Node) (runtime.Outcome, error) {
	if nodeTimeout := parseDuration(node.Attr("timeout", ""), 0); nodeTimeout > 0 {
		cctx, cancel := context.WithTimeout(ctx, nodeTimeout)
		defer cancel()
		ctx = cctx
	}

	h := e.Registry.Resolve(node)
	stageDir := filepath.Join(e.LogsRoot, node.ID)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return runtime.Outcome{Status: runtime.StatusFail, Notes: err.Error()}, err
	}

	var (
		out runtime.Outcome
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(rdebug.Stack())
				_ = os.WriteFile(filepath.Join(stageDir, "panic.txt"), []byte(fmt.Sprintf("%v\n\n%s", r, stack)), 0o644)
				out = runtime.Outcome{Status: runtime.StatusFail, Notes: fmt.Sprintf("panic: %v", r)}
				err = nil
			}
		}()
		out, err = h.Execute(ctx, &Execution{
			Graph:    e.Graph,
			Context:  e.Context,
			LogsRoot: e.LogsRoot,
			Engine:   e,
		}, node)
	}()

	if ctx.Err() == context.DeadlineExceeded {
		out = runtime.Outcome{Status: runtime.StatusRetry, Notes: "node timed out"}
		err = nil
	}
	if err != nil {
		out = runtime.Outcome{Status: runtime.StatusRetry, Notes: err.Error()}
	}

	out, cerr := out.Canonicalize()
	if cerr != nil {
		return runtime.Outcome{Status: runtime.StatusFail, Notes: cerr.Error()}, cerr
	}
	return out, nil
}

// executeWithRetry implements spec §4.8 step 3's retry/backoff sequence: on
// retry, loop up to max(node.max_retries, graph.default_max_retry); on
// exhaustion or fail, try the node's fallback retry target (resetting its
// retry count) and failing that, downgrade to partial_success if allowed or
// else return a fail outcome.
func (e *Engine) executeWithRetry(ctx context.Context, node *model.Node, retries map[string]int) (runtime.Outcome, error) {
	if sr, ok := e.Registry.Resolve(node).(SingleExecutionHandler); ok && sr.SkipRetry() {
		return e.executeNode(ctx, node)
	}

	maxRetries := parseInt(node.Attr("max_retries", ""), 0)
	if dflt := parseInt(e.Graph.Attrs["default_max_retry"], 0); dflt > maxRetries {
		maxRetries = dflt
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	allowPartial := strings.EqualFold(node.Attr("allow_partial", "false"), "true")

	for {
		out, err := e.executeNode(ctx, node)
		if err != nil {
			return out, err
		}
		if out.Status != runtime.StatusRetry && out.Status != runtime.StatusFail {
			retries[node.ID] = 0
			return out, nil
		}

		if retries[node.ID] < maxRetries {
			retries[node.ID]++
			delay := backoffDelayForNode(e.Options.RunID, e.Graph, node, retries[node.ID])
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return runtime.Outcome{}, ctx.Err()
			}
			continue
		}

		// Retries exhausted: try the node's fallback retry target once, fresh.
		// engine.retry_target is a private signal runLoop uses to jump directly
		// to the fallback node, bypassing normal edge selection.
		fallback := resolveRetryTarget(e.Graph, node.ID)
		if fallback != "" && fallback != node.ID {
			retries[node.ID] = 0
			return runtime.Outcome{
				Status:         runtime.StatusRetry,
				PreferredLabel: out.PreferredLabel,
				Notes:          out.Notes,
				ContextUpdates: map[string]string{"engine.retry_target": fallback},
			}, nil
		}

		if allowPartial {
			return runtime.Outcome{Status: runtime.StatusPartialSuccess, Notes: "retries exhausted, partial accepted"}, nil
		}
		out.Status = runtime.StatusFail
		if out.Notes == "" {
			out.Notes = "max retries exceeded"
		}
		return out, nil
	}
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func copyStringIntMap(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func removeNodeID(completed []string, id string) []string {
	out := make([]string, 0, len(completed))
	for _, c := range completed {
		if c != id {
			out = append(out, c)
		}
	}
	return out
}

func parseInt(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}

func defaultLogsRoot(runID string) string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			base = "."
		} else {
			base = filepath.Join(home, ".local", "state")
		}
	}
	return filepath.Join(base, "flowforge", "runs", runID)
}

func expandGoal(g *model.Graph) {
	goal := g.Attrs["goal"]
	if goal == "" {
		return
	}
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		if p := n.Attrs["prompt"]; strings.Contains(p, "$goal") {
			n.Attrs["prompt"] = strings.ReplaceAll(p, "$goal", goal)
		}
	}
}

func isTerminal(n *model.Node) bool {
	return n != nil && n.Shape() == model.ShapeExit
}

func checkGoalGates(g *model.Graph, outcomes map[string]runtime.Outcome) (bool, string) {
	for id, out := range outcomes {
		n := g.Nodes[id]
		if n == nil {
			continue
		}
		if !strings.EqualFold(n.Attr("goal_gate", "false"), "true") {
			continue
		}
		if out.Status != runtime.StatusSuccess && out.Status != runtime.StatusPartialSuccess {
			return false, id
		}
	}
	return true, ""
}

func resolveRetryTarget(g *model.Graph, nodeID string) string {
	n := g.Nodes[nodeID]
	if n == nil {
		return ""
	}
	if t := strings.TrimSpace(n.Attr("retry_target", "")); t != "" {
		return t
	}
	if t := strings.TrimSpace(g.Attrs["retry_target"]); t != "" {
		return t
	}
	return ""
}

func findStartNodeID(g *model.Graph) string {
	for id, n := range g.Nodes {
		if n != nil && n.Shape() == model.ShapeStart {
			return id
		}
	}
	return ""
}

// stripAcceleratorPrefix removes a leading "[...] " token up to 10 characters
// before the "] " (spec §4.6): an accelerator key like "[R] Retry" or
// "[Ctrl-S] " normalizes to its bare label.
func stripAcceleratorPrefix(s string) string {
	if len(s) < 2 || s[0] != '[' {
		return s
	}
	end := strings.Index(s, "] ")
	if end < 0 || end > 10 {
		return s
	}
	return s[end+2:]
}

func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = stripAcceleratorPrefix(s)
	return strings.TrimSpace(s)
}

// selectNextEdge implements spec §4.6's deterministic edge-selection sequence:
// single-edge shortcut, conditional-match subset, preferred-label match
// (restricted to the conditional subset if one matched), suggested-next-ids,
// highest weight, lexical tiebreak on target id.
func selectNextEdge(g *model.Graph, from string, out runtime.Outcome, ctx *runtime.Context) (*model.Edge, error) {
	edges := g.Outgoing(from)
	if len(edges) == 0 {
		return nil, nil
	}
	if len(edges) == 1 {
		return edges[0], nil
	}

	var condMatched []*model.Edge
	for _, e := range edges {
		if e == nil {
			continue
		}
		c := strings.TrimSpace(e.Condition())
		if c == "" {
			continue
		}
		ok, err := cond.Evaluate(c, out, ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			condMatched = append(condMatched, e)
		}
	}

	candidates := condMatched
	if len(candidates) == 0 {
		for _, e := range edges {
			if e != nil && strings.TrimSpace(e.Condition()) == "" {
				candidates = append(candidates, e)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	if want := normalizeLabel(out.PreferredLabel); want != "" {
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Order < candidates[j].Order })
		for _, e := range candidates {
			if normalizeLabel(e.Label()) == want {
				return e, nil
			}
		}
	}

	if len(out.SuggestedNextIDs) > 0 {
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Order < candidates[j].Order })
		for _, suggested := range out.SuggestedNextIDs {
			for _, e := range candidates {
				if e.To == suggested {
					return e, nil
				}
			}
		}
	}

	return bestEdge(candidates), nil
}

func bestEdge(edges []*model.Edge) *model.Edge {
	sort.SliceStable(edges, func(i, j int) bool {
		wi, wj := edges[i].Weight(), edges[j].Weight()
		if wi != wj {
			return wi > wj
		}
		return edges[i].To < edges[j].To
	})
	return edges[0]
}
