package dag

import (
	"errors"
	"fmt"
)

var (
	ErrEmpty             = errors.New("dag: no nodes")
	ErrBadNode           = errors.New("dag: node id out of range")
	ErrKindParams        = errors.New("dag: parameters do not match node kind")
	ErrSelfEdge          = errors.New("dag: edge from a node to itself")
	ErrDuplicateEdge     = errors.New("dag: duplicate edge")
	ErrCycle             = errors.New("dag: cycle detected")
	ErrNoTerminal        = errors.New("dag: no terminal node")
	ErrMultipleTerminals = errors.New("dag: more than one node without successors")
	ErrTerminateHasSucc  = errors.New("dag: terminate node has successors")
	ErrBadTransition     = errors.New("dag: illegal state transition")
)

// NodeError records which node of a DAG failed.
type NodeError struct {
	Node NodeID
	Name string
	Kind Kind
	Err  error
}

func (e *NodeError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("node %d (%s %q): %v", e.Node, e.Kind, e.Name, e.Err)
	}
	return fmt.Sprintf("node %d (%s): %v", e.Node, e.Kind, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}
