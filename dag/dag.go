// Package dag is the data model of the I/O graph executor: a DAG is an arena
// of primitive-operation nodes plus the dependency edges between them, built
// once by a producer and then driven to completion by the engine.
package dag

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mit-pdos/go-raidframe/common"
)

// State is the lifecycle of a whole DAG:
// Building -> Running -> {Succeeded, Failed}, Failed -> Unwinding -> FailedFinal.
type State int32

const (
	StateBuilding State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateUnwinding
	StateFailedFinal
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateUnwinding:
		return "unwinding"
	case StateFailedFinal:
		return "failed-final"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var legal = map[State]State{
	StateBuilding:  StateRunning,
	StateFailed:    StateUnwinding,
	StateUnwinding: StateFailedFinal,
}

// Dag owns its nodes. All mutation after Build happens on the single
// goroutine driving the DAG; State may be read from anywhere.
type Dag struct {
	ID       uuid.UUID
	Name     string
	Priority common.Priority
	Seq      common.SeqNum

	nodes    []*Node
	heads    []NodeID
	terminal NodeID
	state    atomic.Int32
	fired    []NodeID
	inflight int
}

func (d *Dag) Len() int {
	return len(d.nodes)
}

func (d *Dag) Node(id NodeID) *Node {
	return d.nodes[id]
}

func (d *Dag) Nodes() []*Node {
	return d.nodes
}

// Heads returns the nodes with no predecessors.
func (d *Dag) Heads() []NodeID {
	return d.heads
}

func (d *Dag) Terminal() NodeID {
	return d.terminal
}

func (d *Dag) State() State {
	return State(d.state.Load())
}

// Transition moves the DAG to state to, enforcing the lifecycle.
func (d *Dag) Transition(to State) error {
	from := d.State()
	ok := legal[from] == to
	if from == StateRunning {
		ok = to == StateSucceeded || to == StateFailed
	}
	if !ok {
		return fmt.Errorf("%w: %v -> %v", ErrBadTransition, from, to)
	}
	d.state.Store(int32(to))
	return nil
}

// FiringOrder returns the nodes in the order they were fired.
func (d *Dag) FiringOrder() []NodeID {
	order := make([]NodeID, len(d.fired))
	copy(order, d.fired)
	return order
}

// InFlight is the number of fired nodes that have not completed.
func (d *Dag) InFlight() int {
	return d.inflight
}

// Fire marks id fired and appends it to the firing order. Firing a node
// twice, or before all its predecessors succeeded, is a bug.
func (d *Dag) Fire(id NodeID) *Node {
	n := d.nodes[id]
	if n.status != StatusUnfired {
		panic(fmt.Errorf("fire %v: already %v", n, n.status))
	}
	if n.pending != 0 {
		panic(fmt.Errorf("fire %v: %d predecessors pending", n, n.pending))
	}
	n.status = StatusFired
	d.fired = append(d.fired, id)
	d.inflight++
	return n
}

// Succeed records that id completed and returns the successors that became
// ready as a result.
func (d *Dag) Succeed(id NodeID) []NodeID {
	n := d.complete(id, StatusSucceeded)
	var ready []NodeID
	for _, s := range n.succ {
		sn := d.nodes[s]
		sn.pending--
		if sn.pending < 0 {
			panic(fmt.Errorf("%v: negative predecessor count", sn))
		}
		if sn.pending == 0 {
			ready = append(ready, s)
		}
	}
	return ready
}

// Fail records that id completed with err. Successors are not touched.
func (d *Dag) Fail(id NodeID, err error) {
	n := d.complete(id, StatusFailed)
	n.err = err
}

// SucceedNoRelease records a successful completion that arrived after the
// DAG failed: the node needs undo but must not release its successors.
func (d *Dag) SucceedNoRelease(id NodeID) {
	d.complete(id, StatusSucceeded)
}

func (d *Dag) complete(id NodeID, s Status) *Node {
	n := d.nodes[id]
	if n.status != StatusFired {
		panic(fmt.Errorf("complete %v: status %v", n, n.status))
	}
	n.status = s
	d.inflight--
	return n
}

// MarkUndone records that a succeeded node's undo ran.
func (d *Dag) MarkUndone(id NodeID, err error) {
	n := d.nodes[id]
	if n.status != StatusSucceeded {
		panic(fmt.Errorf("undo %v: status %v", n, n.status))
	}
	n.status = StatusUndone
	if err != nil {
		n.err = err
	}
}

// AllSucceeded reports whether every node succeeded.
func (d *Dag) AllSucceeded() bool {
	for _, n := range d.nodes {
		if n.status != StatusSucceeded {
			return false
		}
	}
	return true
}

func (d *Dag) String() string {
	return fmt.Sprintf("dag %s %q (%d nodes, %v)", d.ID, d.Name, len(d.nodes), d.State())
}
