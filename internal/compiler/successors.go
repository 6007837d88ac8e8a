package compiler

import (
	"github.com/roach88/scenepipe/internal/ir"
)

// Step is a task ready to be enqueued.
type Step struct {
	// Node is the arena index of the task.
	Node         int
	Activity     ir.ActivityType
	CollectionID int64
	Args         ir.Args
	// Origin is the arena index of the provenance parent task, or NoNode.
	Origin int
}

// Heads returns the tasks that start the plan, resolved against the root
// collection and the dispatch args.
func Heads(p *Plan, collectionID int64, args ir.Args) ([]Step, error) {
	idx, _ := p.heads(p.Root, args)
	return p.steps(idx, collectionID, args)
}

// Successors returns the tasks to enqueue after task node succeeded.
// collectionID is the collection the finished task ran in, and args the
// activity args after the stage body returned; each successor inherits
// them, overlaid with its own node args.
func Successors(p *Plan, node int, collectionID int64, args ir.Args) ([]Step, error) {
	if node < 0 || node >= len(p.Nodes) || p.Nodes[node].Kind != NodeTask {
		return nil, ir.Invalid("plan %s has no task node %d", p.Route, node)
	}
	return p.steps(p.next(node, args), collectionID, args)
}

func (p *Plan) steps(idx []int, collectionID int64, args ir.Args) ([]Step, error) {
	steps := make([]Step, 0, len(idx))
	for _, i := range idx {
		n := p.Nodes[i]
		collection := collectionID
		switch {
		case n.CollectionID > 0:
			collection = n.CollectionID
		case n.CollectionArg != "":
			id, ok := args.Int64(n.CollectionArg)
			if !ok || id <= 0 {
				return nil, ir.Misconfigured("%s stage needs a collection in arg %q", n.Activity, n.CollectionArg)
			}
			collection = id
		}
		steps = append(steps, Step{
			Node:         i,
			Activity:     n.Activity,
			CollectionID: collection,
			Args:         args.Merge(n.Args),
			Origin:       n.Origin,
		})
	}
	return steps, nil
}

// heads returns the first tasks of node i. pass is true when i can finish
// without running any task (an excluded opt), in which case the caller
// continues with whatever follows i.
func (p *Plan) heads(i int, args ir.Args) (idx []int, pass bool) {
	n := p.Nodes[i]
	switch n.Kind {
	case NodeTask:
		return []int{i}, false
	case NodeSeq:
		return p.seqHeads(n.Children, args)
	case NodePar:
		for _, c := range n.Children {
			h, childPass := p.heads(c, args)
			idx = append(idx, h...)
			pass = pass || childPass
		}
		return idx, pass
	case NodeOpt:
		if !n.included(args) {
			return nil, true
		}
		return p.heads(n.Children[0], args)
	}
	return nil, true
}

func (p *Plan) seqHeads(children []int, args ir.Args) ([]int, bool) {
	var idx []int
	for _, c := range children {
		h, pass := p.heads(c, args)
		idx = append(idx, h...)
		if !pass {
			return idx, false
		}
	}
	return idx, true
}

// next returns the tasks that follow node i once it finished.
func (p *Plan) next(i int, args ir.Args) []int {
	parent := p.Nodes[i].Parent
	if parent == NoNode {
		return nil
	}
	pn := p.Nodes[parent]
	if pn.Kind == NodeSeq {
		for pos, c := range pn.Children {
			if c != i || pos == len(pn.Children)-1 {
				continue
			}
			idx, pass := p.seqHeads(pn.Children[pos+1:], args)
			if pass {
				idx = append(idx, p.next(parent, args)...)
			}
			return idx
		}
	}
	// Last in a sequence, a parallel branch, or an opt body.
	return p.next(parent, args)
}
