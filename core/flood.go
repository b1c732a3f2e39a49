package core

import (
	"fmt"
	"sync"

	"github.com/encodeous/spfsim/state"
)

// Traversal is the visited state of flooding passes over one topology. Each pass starts a new epoch, which
// clears every mark at once.
type Traversal struct {
	mu      sync.Mutex
	epoch   uint32
	visited []uint32
	queue   []state.NodeHandle
}

func NewTraversal() *Traversal {
	return &Traversal{}
}

func (t *Traversal) begin(n int) (func(), error) {
	if !t.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	if len(t.visited) < n {
		t.visited = append(t.visited, make([]uint32, n-len(t.visited))...)
	}
	t.epoch++
	if t.epoch == 0 {
		clear(t.visited)
		t.epoch = 1
	}
	t.queue = t.queue[:0]
	return t.mu.Unlock, nil
}

func (t *Traversal) mark(node state.NodeHandle) bool {
	if t.visited[node] == t.epoch {
		return false
	}
	t.visited[node] = t.epoch
	return true
}

// Distribute hands a change to origin and then to every router reachable from it at level, in
// breadth first order and each exactly once. Pseudonodes are walked through but never receive the
// change. Unreachable routers are silently skipped. An error from apply aborts the pass.
func Distribute(topo *state.Topology, visit *Traversal, origin state.NodeHandle, level state.Level, apply func(receiver state.NodeHandle) error) (int, error) {
	if !level.Valid() {
		return 0, fmt.Errorf("%w: %d", state.ErrInvalidLevel, level)
	}
	on := topo.Node(origin)
	if on == nil {
		return 0, &state.StructuralError{Kind: state.DanglingReference, Edge: state.NoEdge, Msg: fmt.Sprintf("originator %d does not exist", origin)}
	}
	if on.IsPseudonode(level) {
		return 0, state.Structural(state.DanglingReference, on.Id, "pseudonode cannot originate a change")
	}
	done, err := visit.begin(topo.Len())
	if err != nil {
		return 0, err
	}
	defer done()

	delivered := 0
	visit.mark(origin)
	if err := apply(origin); err != nil {
		return delivered, err
	}
	delivered++
	visit.queue = append(visit.queue, origin)
	for len(visit.queue) > 0 {
		cur := visit.queue[0]
		visit.queue = visit.queue[1:]
		for adj := range topo.LogicalNeighbors(cur, level) {
			if !visit.mark(adj.Node) {
				continue
			}
			visit.queue = append(visit.queue, adj.Node)
			if topo.Node(adj.Node).IsPseudonode(level) {
				continue
			}
			if err := apply(adj.Node); err != nil {
				return delivered, err
			}
			delivered++
		}
	}
	return delivered, nil
}
