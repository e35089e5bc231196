// Package validate implements the graph validator: a fixed set of lint rules
// that check structural and syntactic well-formedness before a pipeline runs.
package validate

import (
	"fmt"
	"strings"

	"github.com/rhollins/flowforge/internal/attractor/cond"
	"github.com/rhollins/flowforge/internal/attractor/model"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
}

// Validate runs every built-in lint rule against the graph and returns the
// combined diagnostic list. Order follows the rule table.
func Validate(g *model.Graph) []Diagnostic {
	if g == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "graph is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintStartNode(g)...)
	diags = append(diags, lintExitNode(g)...)
	diags = append(diags, lintStartNoIncoming(g)...)
	diags = append(diags, lintExitNoOutgoing(g)...)
	diags = append(diags, lintReachability(g)...)
	diags = append(diags, lintEdgeValidNodes(g)...)
	diags = append(diags, lintCodergenPrompt(g)...)
	diags = append(diags, lintConditionSyntax(g)...)
	return diags
}

// ValidateOrRaise runs Validate and returns an error naming every ERROR-level
// diagnostic; warnings never fail validation.
func ValidateOrRaise(g *model.Graph) error {
	diags := Validate(g)
	var errs []string
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func findStartNodeIDs(g *model.Graph) []string {
	var ids []string
	for id, n := range g.Nodes {
		if n != nil && n.Shape() == model.ShapeStart {
			ids = append(ids, id)
		}
	}
	return ids
}

func findExitNodeIDs(g *model.Graph) []string {
	var ids []string
	for id, n := range g.Nodes {
		if n != nil && n.Shape() == model.ShapeExit {
			ids = append(ids, id)
		}
	}
	return ids
}

func lintStartNode(g *model.Graph) []Diagnostic {
	ids := findStartNodeIDs(g)
	if len(ids) != 1 {
		return []Diagnostic{{
			Rule:     "start_node",
			Severity: SeverityError,
			Message:  fmt.Sprintf("graph must have exactly one start-shape node (found %d: %v)", len(ids), ids),
		}}
	}
	return nil
}

func lintExitNode(g *model.Graph) []Diagnostic {
	ids := findExitNodeIDs(g)
	if len(ids) != 1 {
		return []Diagnostic{{
			Rule:     "exit_node",
			Severity: SeverityError,
			Message:  fmt.Sprintf("graph must have exactly one exit-shape node (found %d: %v)", len(ids), ids),
		}}
	}
	return nil
}

func lintStartNoIncoming(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, start := range findStartNodeIDs(g) {
		for _, e := range g.Incoming(start) {
			diags = append(diags, Diagnostic{
				Rule:     "start_no_incoming",
				Severity: SeverityError,
				Message:  "start node must have no incoming edges",
				NodeID:   start,
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

func lintExitNoOutgoing(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, exit := range findExitNodeIDs(g) {
		for _, e := range g.Outgoing(exit) {
			diags = append(diags, Diagnostic{
				Rule:     "exit_no_outgoing",
				Severity: SeverityError,
				Message:  "exit node must have no outgoing edges",
				NodeID:   exit,
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

func lintReachability(g *model.Graph) []Diagnostic {
	starts := findStartNodeIDs(g)
	if len(starts) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var queue []string
	for _, s := range starts {
		seen[s] = true
		queue = append(queue, s)
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
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
	var diags []Diagnostic
	for id := range g.Nodes {
		if !seen[id] {
			diags = append(diags, Diagnostic{
				Rule:     "reachability",
				Severity: SeverityError,
				Message:  "node is not reachable from start",
				NodeID:   id,
			})
		}
	}
	return diags
}

func lintEdgeValidNodes(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		if _, ok := g.Nodes[e.From]; !ok {
			diags = append(diags, Diagnostic{
				Rule:     "edge_valid_nodes",
				Severity: SeverityError,
				Message:  "edge references unknown from-node",
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
		if _, ok := g.Nodes[e.To]; !ok {
			diags = append(diags, Diagnostic{
				Rule:     "edge_valid_nodes",
				Severity: SeverityError,
				Message:  "edge references unknown to-node",
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

func lintCodergenPrompt(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for id, n := range g.Nodes {
		if n == nil || n.Shape() != model.ShapeCodergen {
			continue
		}
		if strings.TrimSpace(n.Prompt()) == "" {
			diags = append(diags, Diagnostic{
				Rule:     "codergen_prompt",
				Severity: SeverityWarning,
				Message:  "codergen node has no prompt",
				NodeID:   id,
			})
		}
	}
	return diags
}

func lintConditionSyntax(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		c := strings.TrimSpace(e.Condition())
		if c == "" {
			continue
		}
		if err := cond.TryParse(c); err != nil {
			diags = append(diags, Diagnostic{
				Rule:     "condition_syntax",
				Severity: SeverityError,
				Message:  err.Error(),
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}
