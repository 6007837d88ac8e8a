package compiler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/scenepipe/internal/ir"
)

// NodeKind is the operator of a plan node.
type NodeKind string

const (
	// NodeTask runs one stage.
	NodeTask NodeKind = "task"
	// NodeSeq runs its children one after another.
	NodeSeq NodeKind = "seq"
	// NodePar starts every child from the same predecessor. Branches are
	// independent and never join.
	NodePar NodeKind = "par"
	// NodeOpt includes its single child only when a runtime flag is set.
	NodeOpt NodeKind = "opt"
)

// NoNode marks an absent index (the root's parent, a task without origin).
const NoNode = -1

// Node is one element of a plan arena. Edges are indices into Plan.Nodes.
type Node struct {
	Kind     NodeKind `json:"kind"`
	Parent   int      `json:"parent"`
	Children []int    `json:"children,omitempty"`

	// Task fields.
	Activity ir.ActivityType `json:"activity,omitempty"`
	// CollectionID pins the task to a collection. When zero, CollectionArg
	// names the args key holding it; when both are empty the task runs in
	// its predecessor's collection.
	CollectionID  int64   `json:"collection_id,omitempty"`
	CollectionArg string  `json:"collection_arg,omitempty"`
	Args          ir.Args `json:"args,omitempty"`
	// Origin is the task whose activity this task's activity derives from
	// in the task-spec tree. NoNode for table plans.
	Origin int `json:"origin"`

	// Opt fields.
	Flag   string `json:"flag,omitempty"`
	Negate bool   `json:"negate,omitempty"`
}

// Plan is a compiled pipeline. Node indices are assigned in pre-order, so
// the root is always 0 and serialization is stable.
type Plan struct {
	Route string `json:"route"`
	Root  int    `json:"root"`
	Nodes []Node `json:"nodes"`
}

// Node returns the node at i.
func (p *Plan) Node(i int) Node {
	return p.Nodes[i]
}

// Tasks returns the indices of every task node in pre-order.
func (p *Plan) Tasks() []int {
	var tasks []int
	for i, n := range p.Nodes {
		if n.Kind == NodeTask {
			tasks = append(tasks, i)
		}
	}
	return tasks
}

// Expr is a pipeline expression built from Task, Seq, Par and Opt.
type Expr interface {
	build(b *builder, parent int) int
}

type builder struct {
	nodes []Node
	tasks map[*TaskExpr]int
}

func (b *builder) add(n Node) int {
	b.nodes = append(b.nodes, n)
	return len(b.nodes) - 1
}

func (b *builder) addChildren(idx int, items []Expr) {
	for _, item := range items {
		child := item.build(b, idx)
		b.nodes[idx].Children = append(b.nodes[idx].Children, child)
	}
}

// Build lowers e into a plan arena for route.
func Build(route string, e Expr) *Plan {
	b := &builder{tasks: make(map[*TaskExpr]int)}
	root := e.build(b, NoNode)
	return &Plan{Route: route, Root: root, Nodes: b.nodes}
}

// TaskExpr is a single stage.
type TaskExpr struct {
	Activity      ir.ActivityType
	CollectionID  int64
	CollectionArg string
	Args          ir.Args

	// from is the task this one derives from. It must be built earlier in
	// pre-order so its index is known.
	from *TaskExpr
}

// TaskOption configures a Task expression.
type TaskOption func(*TaskExpr)

// InCollection pins the task to collection id.
func InCollection(id int64) TaskOption {
	return func(t *TaskExpr) {
		t.CollectionID = id
	}
}

// InCollectionFrom reads the task collection from the args key.
func InCollectionFrom(key string) TaskOption {
	return func(t *TaskExpr) {
		t.CollectionArg = key
	}
}

// WithArgs sets args merged into the task's message.
func WithArgs(args ir.Args) TaskOption {
	return func(t *TaskExpr) {
		t.Args = args
	}
}

// Task builds a stage expression.
func Task(activity ir.ActivityType, opts ...TaskOption) *TaskExpr {
	t := &TaskExpr{Activity: activity}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TaskExpr) build(b *builder, parent int) int {
	origin := NoNode
	if t.from != nil {
		if i, ok := b.tasks[t.from]; ok {
			origin = i
		}
	}
	idx := b.add(Node{
		Kind:          NodeTask,
		Parent:        parent,
		Activity:      t.Activity,
		CollectionID:  t.CollectionID,
		CollectionArg: t.CollectionArg,
		Args:          t.Args,
		Origin:        origin,
	})
	b.tasks[t] = idx
	return idx
}

type groupExpr struct {
	kind  NodeKind
	items []Expr
}

// Seq runs items one after another.
func Seq(items ...Expr) Expr {
	return &groupExpr{kind: NodeSeq, items: items}
}

// Par starts every item from the same predecessor.
func Par(items ...Expr) Expr {
	return &groupExpr{kind: NodePar, items: items}
}

func (g *groupExpr) build(b *builder, parent int) int {
	idx := b.add(Node{Kind: g.kind, Parent: parent, Origin: NoNode})
	b.addChildren(idx, g.items)
	return idx
}

type optExpr struct {
	flag   string
	negate bool
	body   Expr
}

// Opt includes body only when args[flag] is true.
func Opt(flag string, body Expr) Expr {
	return &optExpr{flag: flag, body: body}
}

// OptUnless includes body unless args[flag] is true.
func OptUnless(flag string, body Expr) Expr {
	return &optExpr{flag: flag, negate: true, body: body}
}

func (o *optExpr) build(b *builder, parent int) int {
	idx := b.add(Node{Kind: NodeOpt, Parent: parent, Flag: o.flag, Negate: o.negate, Origin: NoNode})
	b.addChildren(idx, []Expr{o.body})
	return idx
}

// included reports whether an opt node's child runs under args.
func (n Node) included(args ir.Args) bool {
	return args.Bool(n.Flag) != n.Negate
}

// Encode serializes the plan for persistence.
func (p *Plan) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	return data, nil
}

// DecodePlan parses and validates a persisted plan.
func DecodePlan(data []byte) (*Plan, error) {
	var p Plan
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, ir.NewError(ir.ValidationError, "malformed plan", err)
	}
	if err := ValidatePlan(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Digest returns the content address of the plan structure. The route is
// excluded because spec routes embed the digest.
func (p *Plan) Digest() (string, error) {
	data, err := json.Marshal(struct {
		Root  int    `json:"root"`
		Nodes []Node `json:"nodes"`
	}{p.Root, p.Nodes})
	if err != nil {
		return "", fmt.Errorf("digest plan: %w", err)
	}
	var tree map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return "", fmt.Errorf("digest plan: %w", err)
	}
	return ir.TaskSpecDigest(tree)
}

// String renders the plan as an indented tree, one node per line.
func (p *Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "plan %s\n", p.Route)
	if len(p.Nodes) > 0 {
		p.render(&sb, p.Root, 0)
	}
	return sb.String()
}

func (p *Plan) render(sb *strings.Builder, i, depth int) {
	n := p.Nodes[i]
	fmt.Fprintf(sb, "%s#%d %s", strings.Repeat("  ", depth), i, n.Kind)
	switch n.Kind {
	case NodeTask:
		fmt.Fprintf(sb, " %s", n.Activity)
		switch {
		case n.CollectionID > 0:
			fmt.Fprintf(sb, " collection=%d", n.CollectionID)
		case n.CollectionArg != "":
			fmt.Fprintf(sb, " collection=$%s", n.CollectionArg)
		}
		if n.Origin != NoNode {
			fmt.Fprintf(sb, " origin=#%d", n.Origin)
		}
		for _, k := range n.Args.Keys() {
			fmt.Fprintf(sb, " %s=%v", k, n.Args[k])
		}
	case NodeOpt:
		if n.Negate {
			fmt.Fprintf(sb, " unless %s", n.Flag)
		} else {
			fmt.Fprintf(sb, " if %s", n.Flag)
		}
	}
	sb.WriteString("\n")
	for _, c := range n.Children {
		p.render(sb, c, depth+1)
	}
}
