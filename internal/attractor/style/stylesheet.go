// Package style implements the CSS-like model stylesheet: parsing rules and
// resolving them against a graph's nodes.
package style

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/rhollins/flowforge/internal/attractor/model"
)

type SelectorKind int

const (
	SelectorUniversal SelectorKind = iota
	SelectorShape
	SelectorClass
	SelectorID
)

// Rule is one parsed stylesheet rule. Specificity orders matches:
// universal(0) < shape(1) < class(2) < id(3).
type Rule struct {
	Kind        SelectorKind
	Value       string
	Specificity int
	Order       int
	Decls       map[string]string
}

// recognizedProps are the six style-resolvable node properties. Each maps to
// the node attribute key it fills in.
var recognizedProps = map[string]string{
	"model":            "llm_model",
	"provider":         "llm_provider",
	"fidelity":         "fidelity",
	"reasoning_effort": "reasoning_effort",
	"max_retries":      "max_retries",
	"timeout":          "timeout",
}

func ParseStylesheet(src string) ([]Rule, error) {
	p := &ssParser{s: src}
	return p.parse()
}

// ApplyStylesheet resolves every rule against every node, filling in only the
// properties spec.md's override rules permit (see applyToNode).
func ApplyStylesheet(g *model.Graph, rules []Rule) error {
	if g == nil {
		return fmt.Errorf("graph is nil")
	}
	if len(rules) == 0 {
		return nil
	}
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		applyToNode(n, rules)
	}
	return nil
}

func applyToNode(n *model.Node, rules []Rule) {
	for prop, attrKey := range recognizedProps {
		if !eligibleForOverride(n, prop, attrKey) {
			continue
		}
		if val, ok := resolveProp(n, prop, rules); ok {
			n.Attrs[attrKey] = val
		}
	}
}

// eligibleForOverride implements spec.md §4.2's per-key override rule: a
// stylesheet value is only applied when the node doesn't already carry a
// more specific explicit value for that key.
func eligibleForOverride(n *model.Node, prop, attrKey string) bool {
	switch prop {
	case "model", "provider", "fidelity":
		return strings.TrimSpace(n.Attr(attrKey, "")) == ""
	case "reasoning_effort":
		return n.Attr(attrKey, "") == "high" || strings.TrimSpace(n.Attr(attrKey, "")) == ""
	case "max_retries":
		return n.Attr(attrKey, "0") == "0" || strings.TrimSpace(n.Attr(attrKey, "")) == ""
	case "timeout":
		return strings.TrimSpace(n.Attr(attrKey, "")) == ""
	default:
		return false
	}
}

// resolveProp composes the property map for a node by layering rules
// {universal → shape → classes → id}; the highest-specificity, then
// latest-declared rule wins.
func resolveProp(n *model.Node, prop string, rules []Rule) (string, bool) {
	bestSpec := -1
	bestOrder := -1
	bestVal := ""
	found := false
	for _, r := range rules {
		if !ruleMatchesNode(r, n) {
			continue
		}
		v, ok := r.Decls[prop]
		if !ok {
			continue
		}
		if r.Specificity > bestSpec || (r.Specificity == bestSpec && r.Order > bestOrder) {
			bestSpec = r.Specificity
			bestOrder = r.Order
			bestVal = v
			found = true
		}
	}
	return bestVal, found
}

func ruleMatchesNode(r Rule, n *model.Node) bool {
	switch r.Kind {
	case SelectorUniversal:
		return true
	case SelectorID:
		return n.ID == r.Value
	case SelectorClass:
		for _, c := range n.ClassList() {
			if c == r.Value {
				return true
			}
		}
		return false
	case SelectorShape:
		return n.Shape() == r.Value
	default:
		return false
	}
}

type ssParser struct {
	s    string
	i    int
	rule int
}

func (p *ssParser) parse() ([]Rule, error) {
	var rules []Rule
	for {
		p.skipSpace()
		if p.eof() {
			return rules, nil
		}
		r, err := p.parseRule()
		if err != nil {
			return nil, err
		}
		r.Order = p.rule
		p.rule++
		rules = append(rules, r)
	}
}

func (p *ssParser) parseRule() (Rule, error) {
	kind, val, spec, err := p.parseSelector()
	if err != nil {
		return Rule{}, err
	}
	p.skipSpace()
	if !p.consume("{") {
		return Rule{}, p.errf("expected '{' after selector")
	}
	decls := map[string]string{}
	for {
		p.skipSpace()
		if p.consume("}") {
			break
		}
		prop, err := p.parseIdent()
		if err != nil {
			return Rule{}, err
		}
		if _, ok := recognizedProps[prop]; !ok {
			return Rule{}, p.errf("unknown property %q", prop)
		}
		p.skipSpace()
		if !p.consume("=") {
			return Rule{}, p.errf("expected '=' after property")
		}
		p.skipSpace()
		v, err := p.parseValue()
		if err != nil {
			return Rule{}, err
		}
		decls[prop] = v
		p.skipSpace()
		_ = p.consume(";")
	}
	return Rule{Kind: kind, Value: val, Specificity: spec, Decls: decls}, nil
}

func (p *ssParser) parseSelector() (SelectorKind, string, int, error) {
	if p.consume("*") {
		return SelectorUniversal, "", 0, nil
	}
	if p.consume("#") {
		id, err := p.parseIdent()
		if err != nil {
			return 0, "", 0, err
		}
		return SelectorID, id, 3, nil
	}
	if p.consume(".") {
		class, err := p.parseClassName()
		if err != nil {
			return 0, "", 0, err
		}
		return SelectorClass, class, 2, nil
	}
	shape, err := p.parseIdentLike()
	if err != nil {
		return 0, "", 0, err
	}
	return SelectorShape, shape, 1, nil
}

func (p *ssParser) parseIdent() (string, error) {
	p.skipSpace()
	start := p.i
	if p.eof() || !isIdentStart(rune(p.s[p.i])) {
		return "", p.errf("expected identifier")
	}
	p.i++
	for !p.eof() && isIdentContinue(rune(p.s[p.i])) {
		p.i++
	}
	return p.s[start:p.i], nil
}

func (p *ssParser) parseClassName() (string, error) {
	p.skipSpace()
	start := p.i
	for !p.eof() {
		r := rune(p.s[p.i])
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			p.i++
			continue
		}
		break
	}
	if start == p.i {
		return "", p.errf("expected class name")
	}
	return p.s[start:p.i], nil
}

func (p *ssParser) parseIdentLike() (string, error) {
	p.skipSpace()
	start := p.i
	for !p.eof() {
		r := rune(p.s[p.i])
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			p.i++
			continue
		}
		break
	}
	if start == p.i {
		return "", p.errf("expected identifier")
	}
	return strings.TrimSpace(p.s[start:p.i]), nil
}

func (p *ssParser) parseValue() (string, error) {
	if p.eof() {
		return "", p.errf("expected value")
	}
	if p.s[p.i] == '"' {
		return p.parseString()
	}
	start := p.i
	for !p.eof() {
		if p.s[p.i] == ';' || p.s[p.i] == '}' {
			break
		}
		p.i++
	}
	return strings.TrimSpace(p.s[start:p.i]), nil
}

func (p *ssParser) parseString() (string, error) {
	if !p.consume(`"`) {
		return "", p.errf("expected string")
	}
	var b strings.Builder
	for !p.eof() {
		ch := p.s[p.i]
		p.i++
		if ch == '"' {
			return b.String(), nil
		}
		if ch == '\\' {
			if p.eof() {
				return "", p.errf("unterminated escape")
			}
			esc := p.s[p.i]
			p.i++
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\':
				b.WriteByte('\\')
			case '"':
				b.WriteByte('"')
			default:
				b.WriteByte('\\')
				b.WriteByte(esc)
			}
			continue
		}
		b.WriteByte(ch)
	}
	return "", p.errf("unterminated string")
}

func (p *ssParser) skipSpace() {
	for !p.eof() {
		switch p.s[p.i] {
		case ' ', '\n', '\r', '\t':
			p.i++
		default:
			return
		}
	}
}

func (p *ssParser) consume(lit string) bool {
	if strings.HasPrefix(p.s[p.i:], lit) {
		p.i += len(lit)
		return true
	}
	return false
}

func (p *ssParser) eof() bool { return p.i >= len(p.s) }

func (p *ssParser) errf(format string, args ...any) error {
	return fmt.Errorf("stylesheet parse: "+format+" (at %d)", append(args, p.i)...)
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentContinue(r rune) bool {
	return isIdentStart(r) || unicode.IsDigit(r)
}
