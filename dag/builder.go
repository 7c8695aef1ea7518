package dag

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mit-pdos/go-raidframe/common"
)

// Builder populates a DAG. It is not safe for concurrent use.
//
// Errors are sticky: the first bad AddNode or AddEdge is reported by Build.
type Builder struct {
	name     string
	priority common.Priority
	nodes    []*Node
	edges    map[[2]NodeID]bool
	err      error
}

func NewBuilder(name string) *Builder {
	return &Builder{
		name:  name,
		edges: make(map[[2]NodeID]bool),
	}
}

func (b *Builder) WithPriority(p common.Priority) *Builder {
	b.priority = p
	return b
}

// AddNode appends a node and returns its id.
func (b *Builder) AddNode(name string, kind Kind, p Params) NodeID {
	id := NodeID(len(b.nodes))
	if p == nil {
		switch kind {
		case KindTerminate:
			p = TerminateParams{}
		case KindNull:
			p = NullParams{}
		}
	}
	if err := checkParams(kind, p); err != nil && b.err == nil {
		b.err = fmt.Errorf("node %d %q: %w", id, name, err)
	}
	b.nodes = append(b.nodes, &Node{ID: id, Name: name, Kind: kind, Params: p})
	return id
}

// AddEdge makes to depend on from.
func (b *Builder) AddEdge(from NodeID, to NodeID) *Builder {
	if b.err != nil {
		return b
	}
	if from < 0 || int(from) >= len(b.nodes) || to < 0 || int(to) >= len(b.nodes) {
		b.err = fmt.Errorf("%w: edge %d -> %d", ErrBadNode, from, to)
		return b
	}
	if from == to {
		b.err = fmt.Errorf("%w: %d", ErrSelfEdge, from)
		return b
	}
	e := [2]NodeID{from, to}
	if b.edges[e] {
		b.err = fmt.Errorf("%w: %d -> %d", ErrDuplicateEdge, from, to)
		return b
	}
	b.edges[e] = true
	b.nodes[from].succ = append(b.nodes[from].succ, to)
	b.nodes[to].npred++
	return b
}

// Fan adds an edge from every node in froms to every node in tos.
func (b *Builder) Fan(froms []NodeID, tos []NodeID) *Builder {
	for _, f := range froms {
		for _, t := range tos {
			b.AddEdge(f, t)
		}
	}
	return b
}

// Build validates the graph and returns the DAG in state Building.
//
// The graph must be acyclic and have exactly one node without successors
// (the terminal). In an acyclic graph every node is then reachable from a
// head and reaches the terminal.
func (b *Builder) Build() (*Dag, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.nodes) == 0 {
		return nil, ErrEmpty
	}

	terminal := NodeID(-1)
	var heads []NodeID
	for _, n := range b.nodes {
		if n.Kind == KindTerminate && len(n.succ) > 0 {
			return nil, fmt.Errorf("%w: %v", ErrTerminateHasSucc, n)
		}
		if len(n.succ) == 0 {
			if terminal >= 0 {
				return nil, fmt.Errorf("%w: %v and %v", ErrMultipleTerminals,
					b.nodes[terminal], n)
			}
			terminal = n.ID
		}
		if n.npred == 0 {
			heads = append(heads, n.ID)
		}
		n.pending = n.npred
		n.status = StatusUnfired
	}
	if terminal < 0 {
		return nil, ErrNoTerminal
	}
	if err := b.checkAcyclic(heads); err != nil {
		return nil, err
	}

	d := &Dag{
		ID:       uuid.New(),
		Name:     b.name,
		Priority: b.priority,
		nodes:    b.nodes,
		heads:    heads,
		terminal: terminal,
	}
	d.state.Store(int32(StateBuilding))
	return d, nil
}

// checkAcyclic runs Kahn's algorithm from the heads; any node it cannot
// retire lies on (or behind) a cycle.
func (b *Builder) checkAcyclic(heads []NodeID) error {
	indeg := make([]int, len(b.nodes))
	for i, n := range b.nodes {
		indeg[i] = n.npred
	}
	queue := append([]NodeID(nil), heads...)
	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, s := range b.nodes[id].succ {
			indeg[s]--
			if indeg[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
	if seen != len(b.nodes) {
		var stuck []NodeID
		for i, d := range indeg {
			if d > 0 {
				stuck = append(stuck, NodeID(i))
			}
		}
		return fmt.Errorf("%w: nodes %v", ErrCycle, stuck)
	}
	return nil
}
