// Package cond evaluates the small AND-only condition language used on edges.
package cond

import (
	"fmt"
	"strings"

	"github.com/rhollins/flowforge/internal/attractor/runtime"
)

// Evaluate evaluates an edge condition against an outcome and pipeline
// context.
//
// Grammar:
//
//	condition ::= clause ( '&&' clause )*
//	clause    ::= lhs ( '=' | '!=' ) rhs
//	lhs       ::= 'outcome' | 'preferred_label' | 'context.' key | key
//
// rhs may be a bare token or a single- or double-quoted string (quotes are
// stripped). Comparisons are case-insensitive. Unknown keys resolve to the
// empty string. An empty condition evaluates to true.
func Evaluate(condition string, outcome runtime.Outcome, ctx *runtime.Context) (bool, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return true, nil
	}
	for _, clause := range strings.Split(condition, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		ok, err := evalClause(clause, outcome, ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// TryParse reports whether condition is syntactically well-formed, returning
// a human-readable error otherwise. It does not evaluate the condition.
func TryParse(condition string) error {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return nil
	}
	for _, clause := range strings.Split(condition, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			return fmt.Errorf("empty clause between '&&'")
		}
		lhs, _, ok := splitClause(clause)
		if !ok {
			return fmt.Errorf("clause %q has no '=' or '!=' operator", clause)
		}
		if strings.TrimSpace(lhs) == "" {
			return fmt.Errorf("clause %q has an empty left-hand side", clause)
		}
	}
	return nil
}

func evalClause(clause string, outcome runtime.Outcome, ctx *runtime.Context) (bool, error) {
	if lhs, rhs, op, ok := splitClauseOp(clause); ok {
		got := strings.ToLower(resolveKey(strings.TrimSpace(lhs), outcome, ctx))
		want := strings.ToLower(unquote(strings.TrimSpace(rhs)))
		want = canonicalizeCompareValue(strings.TrimSpace(lhs), want)
		if op == "!=" {
			return got != want, nil
		}
		return got == want, nil
	}
	got := resolveKey(strings.TrimSpace(clause), outcome, ctx)
	if got == "" {
		return false, nil
	}
	switch strings.ToLower(got) {
	case "false", "0", "no":
		return false, nil
	default:
		return true, nil
	}
}

// splitClauseOp finds the first top-level "!=" or "=" and splits on it,
// preferring "!=" when both would match at the same position.
func splitClauseOp(clause string) (lhs, rhs, op string, ok bool) {
	neq := strings.Index(clause, "!=")
	eq := strings.Index(clause, "=")
	if neq >= 0 && (eq < 0 || neq <= eq) {
		return clause[:neq], clause[neq+2:], "!=", true
	}
	if eq >= 0 {
		return clause[:eq], clause[eq+1:], "=", true
	}
	return "", "", "", false
}

func splitClause(clause string) (lhs, rhs string, ok bool) {
	l, r, _, found := splitClauseOp(clause)
	return l, r, found
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func resolveKey(key string, outcome runtime.Outcome, ctx *runtime.Context) string {
	switch key {
	case "outcome":
		co, err := outcome.Canonicalize()
		if err != nil {
			return string(outcome.Status)
		}
		return string(co.Status)
	case "preferred_label":
		return outcome.PreferredLabel
	}
	if strings.HasPrefix(key, "context.") {
		short := strings.TrimPrefix(key, "context.")
		if ctx != nil {
			return ctx.Get(short)
		}
		return ""
	}
	if ctx != nil {
		return ctx.Get(key)
	}
	return ""
}

// canonicalizeCompareValue normalizes the comparison value for "outcome"
// clauses so aliases (e.g. "failure" for "fail") compare correctly.
func canonicalizeCompareValue(key, value string) string {
	if key != "outcome" {
		return value
	}
	if canonical, err := runtime.ParseStageStatus(value); err == nil {
		return string(canonical)
	}
	return value
}
