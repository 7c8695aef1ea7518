package dag

import (
	"fmt"

	"github.com/mit-pdos/go-raidframe/addr"
	"github.com/mit-pdos/go-raidframe/common"
)

// Kind is the primitive operation a node performs.
type Kind int

const (
	KindTerminate Kind = iota
	KindDiskRead
	KindDiskWrite
	KindDiskReadUndo
	KindSimpleXor
	KindRegularXor
	KindRecoveryXor
	KindLogUpdate
	KindLogOverwrite
	KindMirrorIdleRead
	KindMirrorPartitionRead
	KindNull
)

var kindNames = [...]string{
	KindTerminate:           "terminate",
	KindDiskRead:            "disk-read",
	KindDiskWrite:           "disk-write",
	KindDiskReadUndo:        "disk-read-undo",
	KindSimpleXor:           "simple-xor",
	KindRegularXor:          "regular-xor",
	KindRecoveryXor:         "recovery-xor",
	KindLogUpdate:           "parity-log-update",
	KindLogOverwrite:        "parity-log-overwrite",
	KindMirrorIdleRead:      "mirror-idle-read",
	KindMirrorPartitionRead: "mirror-partition-read",
	KindNull:                "null",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Status is a node's position in its firing lifecycle:
// unfired -> fired -> {succeeded, failed}, and succeeded -> undone during
// unwind.
type Status int

const (
	StatusUnfired Status = iota
	StatusFired
	StatusSucceeded
	StatusFailed
	StatusUndone
)

func (s Status) String() string {
	switch s {
	case StatusUnfired:
		return "unfired"
	case StatusFired:
		return "fired"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusUndone:
		return "undone"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// NodeID indexes a node in its DAG's arena.
type NodeID int

// Params is the typed parameter block of a node. The set of
// implementations is closed.
type Params interface {
	isParams()
}

type TerminateParams struct{}

type NullParams struct{}

// DiskParams addresses one member-disk region.
//
// For disk-read and disk-write, Buf holds the data. For disk-read-undo, Buf
// receives the region's current contents. A disk-write whose PreImage is set
// writes PreImage back if it has to be undone.
type DiskParams struct {
	Region   addr.Region
	Buf      []byte
	PreImage []byte
}

// XorParams combines Srcs into Dst. simple-xor folds its single source into
// Dst; regular-xor overwrites Dst with the XOR of all sources.
type XorParams struct {
	Srcs [][]byte
	Dst  []byte
}

// RecoveryParams regenerates Members[Missing] into Dst. Members[Missing]
// must be nil.
type RecoveryParams struct {
	Missing int
	Members [][]byte
	Dst     []byte
}

// LogParams names the reconstruction unit and the parity region a
// parity-log node records.
type LogParams struct {
	RU       common.RUIndex
	Priority common.Priority
	Region   addr.Region
}

// MirrorParams reads one of Replicas into Buf. For mirror-partition-read,
// Offsets[i] is added to Replicas[i].Off.
type MirrorParams struct {
	Replicas []addr.Region
	Offsets  []uint64
	Buf      []byte
}

func (TerminateParams) isParams() {}
func (NullParams) isParams()      {}
func (DiskParams) isParams()      {}
func (XorParams) isParams()       {}
func (RecoveryParams) isParams()  {}
func (LogParams) isParams()       {}
func (MirrorParams) isParams()    {}

// Node is one primitive operation of a DAG.
//
// Successors are indices into the owning DAG's arena; nodes never own each
// other.
type Node struct {
	ID     NodeID
	Name   string
	Kind   Kind
	Params Params

	succ    []NodeID
	npred   int
	pending int
	status  Status
	err     error

	// Outputs filled in by the node's operation.
	Replica int           // replica chosen by a mirror read
	LogSeq  common.SeqNum // record appended by a parity-log node
}

func (n *Node) Successors() []NodeID {
	return n.succ
}

// Preds is the number of predecessor edges.
func (n *Node) Preds() int {
	return n.npred
}

// Pending is the number of predecessors that have not yet succeeded.
func (n *Node) Pending() int {
	return n.pending
}

func (n *Node) Status() Status {
	return n.status
}

func (n *Node) Err() error {
	return n.err
}

func (n *Node) String() string {
	if n.Name != "" {
		return fmt.Sprintf("%d:%s(%s)", n.ID, n.Kind, n.Name)
	}
	return fmt.Sprintf("%d:%s", n.ID, n.Kind)
}

func checkParams(kind Kind, p Params) error {
	bad := func(format string, a ...interface{}) error {
		return fmt.Errorf("%w: %s: %s", ErrKindParams, kind, fmt.Sprintf(format, a...))
	}
	switch kind {
	case KindTerminate:
		if _, ok := p.(TerminateParams); !ok {
			return bad("want TerminateParams, got %T", p)
		}
	case KindNull:
		if _, ok := p.(NullParams); !ok {
			return bad("want NullParams, got %T", p)
		}
	case KindDiskRead, KindDiskWrite, KindDiskReadUndo:
		dp, ok := p.(DiskParams)
		if !ok {
			return bad("want DiskParams, got %T", p)
		}
		if uint64(len(dp.Buf)) != dp.Region.Len {
			return bad("buffer is %d bytes for %v", len(dp.Buf), dp.Region)
		}
		if dp.PreImage != nil && uint64(len(dp.PreImage)) != dp.Region.Len {
			return bad("pre-image is %d bytes for %v", len(dp.PreImage), dp.Region)
		}
	case KindSimpleXor, KindRegularXor:
		xp, ok := p.(XorParams)
		if !ok {
			return bad("want XorParams, got %T", p)
		}
		if kind == KindSimpleXor && len(xp.Srcs) != 1 {
			return bad("%d sources", len(xp.Srcs))
		}
		if kind == KindRegularXor && len(xp.Srcs) < 2 {
			return bad("%d sources", len(xp.Srcs))
		}
		for _, s := range xp.Srcs {
			if len(s) != len(xp.Dst) {
				return bad("source of %d bytes for %d-byte destination", len(s), len(xp.Dst))
			}
		}
	case KindRecoveryXor:
		rp, ok := p.(RecoveryParams)
		if !ok {
			return bad("want RecoveryParams, got %T", p)
		}
		if rp.Missing < 0 || rp.Missing >= len(rp.Members) || rp.Members[rp.Missing] != nil {
			return bad("member %d of %d is not the hole", rp.Missing, len(rp.Members))
		}
		if len(rp.Members) < 2 {
			return bad("redundancy set of %d members", len(rp.Members))
		}
		for i, m := range rp.Members {
			if i != rp.Missing && len(m) != len(rp.Dst) {
				return bad("member %d is %d bytes for %d-byte destination", i, len(m), len(rp.Dst))
			}
		}
	case KindLogUpdate, KindLogOverwrite:
		if _, ok := p.(LogParams); !ok {
			return bad("want LogParams, got %T", p)
		}
	case KindMirrorIdleRead, KindMirrorPartitionRead:
		mp, ok := p.(MirrorParams)
		if !ok {
			return bad("want MirrorParams, got %T", p)
		}
		if len(mp.Replicas) == 0 {
			return bad("no replicas")
		}
		if kind == KindMirrorPartitionRead && len(mp.Offsets) != len(mp.Replicas) {
			return bad("%d offsets for %d replicas", len(mp.Offsets), len(mp.Replicas))
		}
		if kind == KindMirrorIdleRead && mp.Offsets != nil {
			return bad("partition offsets on an idle read")
		}
		for _, r := range mp.Replicas {
			if r.Len != uint64(len(mp.Buf)) {
				return bad("replica %v for %d-byte buffer", r, len(mp.Buf))
			}
		}
	default:
		return bad("unknown kind")
	}
	return nil
}
