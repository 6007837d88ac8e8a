package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/scenepipe/internal/ir"
)

// Plan validation error codes (E200-E299)
const (
	ErrPlanEmpty           = "E200" // plan has no nodes
	ErrPlanRoot            = "E201" // root index out of range or has a parent
	ErrNodeIndex           = "E202" // child index out of range
	ErrNodeParent          = "E203" // child does not point back at its parent
	ErrNodeCycle           = "E204" // node reachable from itself
	ErrNodeUnreachable     = "E205" // node not reachable from the root
	ErrUnknownKind         = "E206" // unknown node kind
	ErrTaskActivity        = "E207" // task with an invalid activity type
	ErrTaskChildren        = "E208" // task with children
	ErrGroupEmpty          = "E209" // seq or par without children
	ErrOptShape            = "E210" // opt without a flag or a single child
	ErrParContinuation     = "E211" // par followed by more work (no join)
	ErrAmbiguousCollection = "E212" // task sets both a collection id and a collection arg
	ErrTaskOrigin          = "E213" // origin is not an earlier task
)

// ValidationError is one structural problem found in a plan.
type ValidationError struct {
	Node    int    `json:"node"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Node >= 0 {
		return fmt.Sprintf("[%s] node #%d: %s", e.Code, e.Node, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Validate checks the structure of p and returns every problem found
// (does not fail-fast).
func Validate(p *Plan) []ValidationError {
	var errs []ValidationError
	add := func(node int, code, format string, args ...any) {
		errs = append(errs, ValidationError{Node: node, Code: code, Message: fmt.Sprintf(format, args...)})
	}

	if len(p.Nodes) == 0 {
		add(NoNode, ErrPlanEmpty, "plan has no nodes")
		return errs
	}
	if p.Root < 0 || p.Root >= len(p.Nodes) {
		add(NoNode, ErrPlanRoot, "root %d out of range", p.Root)
		return errs
	}
	if p.Nodes[p.Root].Parent != NoNode {
		add(p.Root, ErrPlanRoot, "root has parent #%d", p.Nodes[p.Root].Parent)
	}

	// Edges must be in range and agree with parent pointers before the
	// graph walks below can be trusted.
	structural := len(errs)
	for i, n := range p.Nodes {
		for _, c := range n.Children {
			if c < 0 || c >= len(p.Nodes) {
				add(i, ErrNodeIndex, "child %d out of range", c)
				continue
			}
			if p.Nodes[c].Parent != i {
				add(c, ErrNodeParent, "listed under #%d but parent is #%d", i, p.Nodes[c].Parent)
			}
		}
	}
	if len(errs) > structural {
		return errs
	}

	for _, scc := range findCycles(p) {
		add(scc[0], ErrNodeCycle, "cycle through %s", formatPath(scc))
	}
	if len(errs) > structural {
		return errs
	}

	reached := make([]bool, len(p.Nodes))
	var walk func(int)
	walk = func(i int) {
		reached[i] = true
		for _, c := range p.Nodes[i].Children {
			walk(c)
		}
	}
	walk(p.Root)
	for i, ok := range reached {
		if !ok {
			add(i, ErrNodeUnreachable, "not reachable from root #%d", p.Root)
		}
	}

	for i, n := range p.Nodes {
		switch n.Kind {
		case NodeTask:
			if !n.Activity.Valid() {
				add(i, ErrTaskActivity, "invalid activity type %q", n.Activity)
			}
			if len(n.Children) > 0 {
				add(i, ErrTaskChildren, "task has %d children", len(n.Children))
			}
			if n.CollectionID > 0 && n.CollectionArg != "" {
				add(i, ErrAmbiguousCollection, "collection %d and collection arg %q both set", n.CollectionID, n.CollectionArg)
			}
			if n.Origin != NoNode && (n.Origin < 0 || n.Origin >= i || p.Nodes[n.Origin].Kind != NodeTask) {
				add(i, ErrTaskOrigin, "origin #%d is not an earlier task", n.Origin)
			}
		case NodeSeq, NodePar:
			if len(n.Children) == 0 {
				add(i, ErrGroupEmpty, "%s has no children", n.Kind)
			}
			if n.Kind == NodePar && reached[i] && continues(p, i) {
				add(i, ErrParContinuation, "par is followed by more work; branches never join")
			}
		case NodeOpt:
			if n.Flag == "" {
				add(i, ErrOptShape, "opt has no flag")
			}
			if len(n.Children) != 1 {
				add(i, ErrOptShape, "opt needs exactly one child, has %d", len(n.Children))
			}
		default:
			add(i, ErrUnknownKind, "unknown node kind %q", n.Kind)
		}
	}

	return errs
}

// ValidatePlan returns nil when p is well formed, otherwise a
// ValidationError kind error listing every problem.
func ValidatePlan(p *Plan) error {
	errs := Validate(p)
	if len(errs) == 0 {
		return nil
	}
	joined := make([]error, len(errs))
	for i, e := range errs {
		joined[i] = e
	}
	return ir.NewError(ir.ValidationError, fmt.Sprintf("plan %s is invalid", p.Route), errors.Join(joined...))
}

// continues reports whether anything runs after node i finishes, looking
// up through its ancestors for a sequence in which it is not last.
func continues(p *Plan, i int) bool {
	for parent := p.Nodes[i].Parent; parent != NoNode; i, parent = parent, p.Nodes[parent].Parent {
		pn := p.Nodes[parent]
		if pn.Kind == NodeSeq && pn.Children[len(pn.Children)-1] != i {
			return true
		}
	}
	return false
}

func formatPath(nodes []int) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = fmt.Sprintf("#%d", n)
	}
	return strings.Join(parts, " → ")
}
