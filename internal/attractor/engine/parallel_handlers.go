package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/rhollins/flowforge/internal/attractor/model"
	"github.com/rhollins/flowforge/internal/attractor/runtime"
)

// ParallelHandler fans out one goroutine per outgoing edge target (spec §5):
// each branch gets its own context snapshot via Context.Clone(), never a
// shared reference. The parent blocks until every branch finishes, then folds
// the branch outcomes into a single result.
type ParallelHandler struct{}

type branchResult struct {
	targetID string
	outcome  runtime.Outcome
	err      error
}

func (h *ParallelHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	edges := exec.Graph.Outgoing(node.ID)
	if len(edges) == 0 {
		return runtime.Outcome{Status: runtime.StatusFail, Notes: "parallel node has no outgoing branches"}, nil
	}

	joinID := findFanInNode(exec.Graph, node.ID)

	var wg sync.WaitGroup
	results := make([]branchResult, len(edges))
	for i, e := range edges {
		wg.Add(1)
		go func(i int, targetID string) {
			defer wg.Done()
			branchExec := &Execution{
				Graph:    exec.Graph,
				Context:  exec.Context.Clone(),
				LogsRoot: exec.LogsRoot,
				Engine:   exec.Engine,
			}
			out, err := runBranch(ctx, branchExec, targetID, joinID)
			results[i] = branchResult{targetID: targetID, outcome: out, err: err}
		}(i, e.To)
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].targetID < results[j].targetID })

	allSuccess := true
	merged := map[string]string{}
	for _, r := range results {
		if r.err != nil || (r.outcome.Status != runtime.StatusSuccess && r.outcome.Status != runtime.StatusPartialSuccess) {
			allSuccess = false
		}
		for k, v := range r.outcome.ContextUpdates {
			merged[k] = v
		}
	}

	if joinID != "" {
		merged["parallel.join_node"] = joinID
	}

	if allSuccess {
		return runtime.Outcome{Status: runtime.StatusSuccess, ContextUpdates: merged}, nil
	}
	if node.Attr("allow_partial", "false") == "true" {
		return runtime.Outcome{Status: runtime.StatusPartialSuccess, ContextUpdates: merged, Notes: "one or more branches failed"}, nil
	}
	return runtime.Outcome{Status: runtime.StatusFail, ContextUpdates: merged, Notes: "one or more branches failed"}, nil
}

// runBranch walks the graph from startID, executing each node, until it
// reaches the fan-in join node (or a node with no outgoing edge). Each branch
// only ever sees its own private context snapshot; nothing it does is
// visible to sibling branches or the parent until ParallelHandler folds the
// branch's final context updates back in.
func runBranch(ctx context.Context, exec *Execution, startID string, joinID string) (runtime.Outcome, error) {
	current := startID
	var last runtime.Outcome
	seen := map[string]bool{}
	for {
		if current == joinID || current == "" {
			return last, nil
		}
		if seen[current] {
			// A cycle inside a parallel branch with no path to the join node;
			// stop rather than spin forever.
			return last, nil
		}
		seen[current] = true

		node := exec.Graph.Nodes[current]
		if node == nil {
			return last, nil
		}
		h := exec.Engine.Registry.Resolve(node)
		out, err := h.Execute(ctx, exec, node)
		if err != nil {
			return runtime.Outcome{Status: runtime.StatusFail, Notes: err.Error()}, nil
		}
		out, _ = out.Canonicalize()
		exec.Context.Merge(out.ContextUpdates)
		last = out

		if out.Status == runtime.StatusFail {
			return out, nil
		}

		next, err := selectNextEdge(exec.Graph, current, out, exec.Context)
		if err != nil || next == nil {
			return out, nil
		}
		current = next.To
	}
}

// findFanInNode does a BFS from the parallel node looking for the nearest
// fan-in shaped node reachable from it; that node is where the engine resumes
// once every branch has finished.
func findFanInNode(g *model.Graph, parallelID string) string {
	seen := map[string]bool{parallelID: true}
	queue := []string{parallelID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		n := g.Nodes[cur]
		if n != nil && n.Shape() == model.ShapeFanIn && cur != parallelID {
			return cur
		}
		for _, e := range g.Outgoing(cur) {
			if e == nil {
				continue
			}
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return ""
}

// FanInHandler is a no-op barrier in this single-engine design: by the time
// the engine reaches it, every parallel branch has already finished (spec
// §4.7). A future distributed variant may block on a counting semaphore.
type FanInHandler struct{}

func (h *FanInHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	return runtime.Outcome{Status: runtime.StatusSuccess, Notes: "fan-in"}, nil
}
