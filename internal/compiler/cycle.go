package compiler

// findCycles returns every cycle in the plan's child edges, one node list
// per strongly connected component. A plan built from expressions is a
// tree and has none; decoded plans are checked because they come from
// storage.
func findCycles(p *Plan) [][]int {
	var cycles [][]int
	for _, scc := range tarjanSCC(p) {
		if len(scc) > 1 || hasSelfLoop(p, scc[0]) {
			cycles = append(cycles, scc)
		}
	}
	return cycles
}

func hasSelfLoop(p *Plan, i int) bool {
	for _, c := range p.Nodes[i].Children {
		if c == i {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in index order so the result is deterministic.
func tarjanSCC(p *Plan) [][]int {
	var (
		index   = 0
		stack   []int
		indices = make([]int, len(p.Nodes))
		lowlink = make([]int, len(p.Nodes))
		onStack = make([]bool, len(p.Nodes))
		sccs    [][]int
	)
	for i := range indices {
		indices[i] = -1
	}

	var strongConnect func(int)
	strongConnect = func(v int) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range p.Nodes[v].Children {
			if indices[w] < 0 {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is the root of a component: pop it.
		if lowlink[v] == indices[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for v := range p.Nodes {
		if indices[v] < 0 {
			strongConnect(v)
		}
	}
	return sccs
}
