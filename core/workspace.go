package core

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/encodeous/spfsim/state"
)

// ErrRunInProgress is returned when a computation is started while another one holds the shared
// workspace or traversal state.
var ErrRunInProgress = errors.New("computation already in progress")

type candidate struct {
	node   state.NodeHandle
	dist   uint32
	pseudo bool
	index  int
}

// candidateHeap orders by distance, pseudonodes first on ties, then by handle. Pseudonodes go first
// so a LAN is settled before the routers it reaches at zero cost.
type candidateHeap []*candidate

func (h candidateHeap) Len() int { return len(h) }

func (h candidateHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist < h[j].dist
	}
	if h[i].pseudo != h[j].pseudo {
		return h[i].pseudo
	}
	return h[i].node < h[j].node
}

func (h candidateHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *candidateHeap) Push(x any) {
	c := x.(*candidate)
	c.index = len(*h)
	*h = append(*h, c)
}

func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*h = old[:n-1]
	return c
}

// Workspace is the priority structure shared by every Dijkstra run of one topology. Only one run may
// hold it at a time.
type Workspace struct {
	mu      sync.Mutex
	heap    candidateHeap
	entries []candidate
	queued  []bool
	settled []bool
}

func NewWorkspace() *Workspace {
	return &Workspace{}
}

// acquire takes exclusive use of the workspace and resets it for n nodes.
func (w *Workspace) acquire(n int) (func(), error) {
	if !w.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	if cap(w.entries) < n {
		w.entries = make([]candidate, n)
		w.queued = make([]bool, n)
		w.settled = make([]bool, n)
	}
	w.entries = w.entries[:n]
	w.queued = w.queued[:n]
	w.settled = w.settled[:n]
	clear(w.queued)
	clear(w.settled)
	w.heap = w.heap[:0]
	return w.mu.Unlock, nil
}

// push queues a node or lowers its key when it is already queued.
func (w *Workspace) push(node state.NodeHandle, dist uint32, pseudo bool) {
	c := &w.entries[node]
	if w.queued[node] {
		if dist < c.dist {
			c.dist = dist
			heap.Fix(&w.heap, c.index)
		}
		return
	}
	*c = candidate{node: node, dist: dist, pseudo: pseudo}
	w.queued[node] = true
	heap.Push(&w.heap, c)
}

func (w *Workspace) pop() (state.NodeHandle, bool) {
	if w.heap.Len() == 0 {
		return state.NoNode, false
	}
	c := heap.Pop(&w.heap).(*candidate)
	w.queued[c.node] = false
	w.settled[c.node] = true
	return c.node, true
}

func (w *Workspace) isSettled(node state.NodeHandle) bool {
	return w.settled[node]
}
