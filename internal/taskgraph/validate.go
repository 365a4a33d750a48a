package taskgraph

import (
	"container/heap"
	"strings"

	"github.com/Iron-Ham/conductor/internal/errors"
)

// validateAcyclic runs Kahn's algorithm and records the resulting order.
// If some nodes are left over, a cycle exists and one is extracted
// deterministically for the error message.
func (g *Graph) validateAcyclic() error {
	order := g.topoOrder()
	if len(order) == len(g.nodes) {
		g.order = order
		return nil
	}

	cycle := g.findCycle()
	err := errors.NewGraphError(strings.Join(cycle, " -> "), errors.ErrDependencyCycle)
	if len(cycle) > 0 {
		err = err.WithTaskID(cycle[0])
	}
	return err
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrder returns arena indices in dependency order, breaking ties by
// the smallest index (i.e. task id).
func (g *Graph) topoOrder() []int {
	indeg := make([]int, len(g.nodes))
	for i, n := range g.nodes {
		indeg[i] = len(n.deps)
	}

	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(g.nodes))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		out = append(out, i)
		for _, d := range g.nodes[i].dependents {
			indeg[d]--
			if indeg[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}
	return out
}

// findCycle walks dependency edges depth-first in index order and returns
// the first cycle found, closed on its starting id: [a b a] means a
// depends on b and b depends on a.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)

	color := make([]int, len(g.nodes))
	var stack []int
	var cycle []int

	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		stack = append(stack, u)
		for _, v := range g.nodes[u].deps {
			switch color[v] {
			case white:
				if dfs(v) {
					return true
				}
			case gray:
				for k := len(stack) - 1; k >= 0; k-- {
					if stack[k] == v {
						cycle = append(append(cycle, stack[k:]...), v)
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}

	for i := range g.nodes {
		if color[i] == white && dfs(i) {
			break
		}
	}
	return g.ids(cycle)
}
