package dag

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-raidframe/addr"
)

func readParams(off uint64) DiskParams {
	return DiskParams{Region: addr.MkRegion(0, off, 4), Buf: make([]byte, 4)}
}

// fanIn builds two reads -> xor -> terminate.
func fanIn(t *testing.T) (*Dag, [4]NodeID) {
	b := NewBuilder("fan-in")
	ra := readParams(0)
	rb := readParams(4)
	a := b.AddNode("a", KindDiskRead, ra)
	c := b.AddNode("b", KindDiskRead, rb)
	x := b.AddNode("x", KindRegularXor, XorParams{Srcs: [][]byte{ra.Buf, rb.Buf}, Dst: make([]byte, 4)})
	term := b.AddNode("end", KindTerminate, nil)
	b.Fan([]NodeID{a, c}, []NodeID{x}).AddEdge(x, term)
	d, err := b.Build()
	require.NoError(t, err)
	return d, [4]NodeID{a, c, x, term}
}

func TestBuildFanIn(t *testing.T) {
	assert := assert.New(t)
	d, ids := fanIn(t)
	assert.Equal(4, d.Len())
	assert.Equal([]NodeID{ids[0], ids[1]}, d.Heads())
	assert.Equal(ids[3], d.Terminal())
	assert.Equal(StateBuilding, d.State())
	assert.Equal(2, d.Node(ids[2]).Pending())
	assert.Equal(2, d.Node(ids[2]).Preds())
	assert.NotEqual(d.ID.String(), "")
}

func TestBuildErrors(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := NewBuilder("x").Build()
		assert.ErrorIs(t, err, ErrEmpty)
	})
	t.Run("cycle", func(t *testing.T) {
		b := NewBuilder("x")
		n1 := b.AddNode("", KindNull, nil)
		n2 := b.AddNode("", KindNull, nil)
		n3 := b.AddNode("", KindNull, nil)
		term := b.AddNode("", KindTerminate, nil)
		b.AddEdge(n1, n2).AddEdge(n2, n3).AddEdge(n3, n2).AddEdge(n3, term)
		_, err := b.Build()
		assert.ErrorIs(t, err, ErrCycle)
	})
	t.Run("two terminals", func(t *testing.T) {
		b := NewBuilder("x")
		n1 := b.AddNode("", KindNull, nil)
		b.AddNode("", KindTerminate, nil)
		b.AddNode("", KindTerminate, nil)
		b.AddEdge(n1, 1)
		_, err := b.Build()
		assert.ErrorIs(t, err, ErrMultipleTerminals)
	})
	t.Run("no terminal", func(t *testing.T) {
		b := NewBuilder("x")
		n1 := b.AddNode("", KindNull, nil)
		n2 := b.AddNode("", KindNull, nil)
		b.AddEdge(n1, n2).AddEdge(n2, n1)
		_, err := b.Build()
		assert.ErrorIs(t, err, ErrNoTerminal)
	})
	t.Run("terminate with successors", func(t *testing.T) {
		b := NewBuilder("x")
		term := b.AddNode("", KindTerminate, nil)
		n := b.AddNode("", KindNull, nil)
		b.AddEdge(term, n)
		_, err := b.Build()
		assert.ErrorIs(t, err, ErrTerminateHasSucc)
	})
	t.Run("edges", func(t *testing.T) {
		b := NewBuilder("x")
		n := b.AddNode("", KindNull, nil)
		b.AddEdge(n, n)
		_, err := b.Build()
		assert.ErrorIs(t, err, ErrSelfEdge)

		b = NewBuilder("x")
		n = b.AddNode("", KindNull, nil)
		term := b.AddNode("", KindTerminate, nil)
		b.AddEdge(n, term).AddEdge(n, term)
		_, err = b.Build()
		assert.ErrorIs(t, err, ErrDuplicateEdge)

		b = NewBuilder("x")
		b.AddNode("", KindNull, nil)
		b.AddEdge(0, 5)
		_, err = b.Build()
		assert.ErrorIs(t, err, ErrBadNode)
	})
}

func TestKindParams(t *testing.T) {
	buf := make([]byte, 4)
	cases := []struct {
		name string
		kind Kind
		p    Params
	}{
		{"read without params", KindDiskRead, nil},
		{"short buffer", KindDiskWrite, DiskParams{Region: addr.MkRegion(0, 0, 8), Buf: buf}},
		{"bad pre-image", KindDiskWrite, DiskParams{Region: addr.MkRegion(0, 0, 4), Buf: buf, PreImage: []byte{1}}},
		{"simple xor with two sources", KindSimpleXor, XorParams{Srcs: [][]byte{buf, buf}, Dst: buf}},
		{"regular xor with one source", KindRegularXor, XorParams{Srcs: [][]byte{buf}, Dst: buf}},
		{"xor length", KindRegularXor, XorParams{Srcs: [][]byte{buf, {1}}, Dst: buf}},
		{"recovery hole present", KindRecoveryXor, RecoveryParams{Missing: 0, Members: [][]byte{buf, buf}, Dst: buf}},
		{"recovery hole out of range", KindRecoveryXor, RecoveryParams{Missing: 2, Members: [][]byte{nil, buf}, Dst: buf}},
		{"log with disk params", KindLogUpdate, DiskParams{}},
		{"mirror no replicas", KindMirrorIdleRead, MirrorParams{Buf: buf}},
		{"partition offsets missing", KindMirrorPartitionRead, MirrorParams{Replicas: []addr.Region{addr.MkRegion(0, 0, 4)}, Buf: buf}},
		{"idle read with offsets", KindMirrorIdleRead, MirrorParams{Replicas: []addr.Region{addr.MkRegion(0, 0, 4)}, Offsets: []uint64{0}, Buf: buf}},
		{"terminate with xor params", KindTerminate, XorParams{}},
		{"unknown kind", Kind(99), NullParams{}},
	}
	for _, c := range cases {
		b := NewBuilder(c.name)
		n := b.AddNode(c.name, c.kind, c.p)
		term := b.AddNode("", KindTerminate, nil)
		b.AddEdge(n, term)
		_, err := b.Build()
		assert.ErrorIs(t, err, ErrKindParams, c.name)
	}
}

func TestFireBookkeeping(t *testing.T) {
	assert := assert.New(t)
	d, ids := fanIn(t)
	require.NoError(t, d.Transition(StateRunning))

	d.Fire(ids[0])
	d.Fire(ids[1])
	assert.Equal(2, d.InFlight())
	assert.Panics(func() { d.Fire(ids[0]) }, "a node never fires twice")
	assert.Panics(func() { d.Fire(ids[2]) }, "xor has unsatisfied predecessors")

	assert.Empty(d.Succeed(ids[1]))
	assert.Equal([]NodeID{ids[2]}, d.Succeed(ids[0]))
	d.Fire(ids[2])
	assert.Equal([]NodeID{ids[3]}, d.Succeed(ids[2]))
	d.Fire(ids[3])
	assert.Empty(d.Succeed(ids[3]))

	assert.True(d.AllSucceeded())
	assert.Equal([]NodeID{ids[0], ids[1], ids[2], ids[3]}, d.FiringOrder())
	assert.NoError(d.Transition(StateSucceeded))
	assert.ErrorIs(d.Transition(StateUnwinding), ErrBadTransition)
}

func TestFailTransitions(t *testing.T) {
	assert := assert.New(t)
	d, ids := fanIn(t)
	assert.ErrorIs(d.Transition(StateFailed), ErrBadTransition, "not running yet")
	require.NoError(t, d.Transition(StateRunning))
	d.Fire(ids[0])
	d.Fire(ids[1])
	d.Succeed(ids[0])
	boom := errors.New("boom")
	d.Fail(ids[1], boom)
	assert.Equal(StatusFailed, d.Node(ids[1]).Status())
	assert.Equal(boom, d.Node(ids[1]).Err())

	require.NoError(t, d.Transition(StateFailed))
	require.NoError(t, d.Transition(StateUnwinding))
	d.MarkUndone(ids[0], nil)
	assert.Equal(StatusUndone, d.Node(ids[0]).Status())
	assert.Panics(func() { d.MarkUndone(ids[1], nil) }, "only succeeded nodes are undone")
	require.NoError(t, d.Transition(StateFailedFinal))
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "parity-log-overwrite", KindLogOverwrite.String())
	assert.Equal(t, "Kind(42)", Kind(42).String())
	assert.Equal(t, "undone", StatusUndone.String())
	assert.Equal(t, "failed-final", StateFailedFinal.String())
	err := &NodeError{Node: 3, Name: "wd", Kind: KindDiskWrite, Err: assert.AnError}
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), `disk-write "wd"`)
}
