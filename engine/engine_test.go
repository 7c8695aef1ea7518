package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-raidframe/addr"
	"github.com/mit-pdos/go-raidframe/common"
	"github.com/mit-pdos/go-raidframe/dag"
	"github.com/mit-pdos/go-raidframe/disk"
	"github.com/mit-pdos/go-raidframe/mirror"
	"github.com/mit-pdos/go-raidframe/plog"
)

// heldIO is a request parked by manualIssuer until the test completes it.
type heldIO struct {
	t    disk.IOType
	r    addr.Region
	b    []byte
	done disk.Completion
}

// manualIssuer lets a test decide when, and how, each request completes.
type manualIssuer struct {
	reqs chan heldIO
}

func newManualIssuer() *manualIssuer {
	return &manualIssuer{reqs: make(chan heldIO, 64)}
}

func (m *manualIssuer) Issue(t disk.IOType, r addr.Region, b []byte, done disk.Completion) {
	m.reqs <- heldIO{t: t, r: r, b: b, done: done}
}

func (m *manualIssuer) next(t *testing.T) heldIO {
	t.Helper()
	select {
	case req := <-m.reqs:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("no request issued")
	}
	panic("unreachable")
}

func (m *manualIssuer) idle(t *testing.T) {
	t.Helper()
	select {
	case req := <-m.reqs:
		t.Fatalf("unexpected request %v %v", req.t, req.r)
	case <-time.After(20 * time.Millisecond):
	}
}

// recorder collects hook events across DAGs.
type recorder struct {
	mu    sync.Mutex
	fired map[dag.NodeID]int
	undos []dag.NodeID
}

func newRecorder() *recorder {
	return &recorder{fired: make(map[dag.NodeID]int)}
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnFire: func(d *dag.Dag, n *dag.Node) {
			r.mu.Lock()
			r.fired[n.ID]++
			r.mu.Unlock()
		},
		OnUndo: func(d *dag.Dag, n *dag.Node, err error) {
			r.mu.Lock()
			r.undos = append(r.undos, n.ID)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) undone() []dag.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dag.NodeID(nil), r.undos...)
}

func (r *recorder) firedCount(id dag.NodeID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fired[id]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func region(dev common.DevId, off uint64) addr.Region {
	return addr.MkRegion(dev, off, 512)
}

func submit(t *testing.T, e *Engine, d *dag.Dag) <-chan Result {
	t.Helper()
	ch := make(chan Result, 2)
	require.NoError(t, e.Submit(context.Background(), d, func(r Result) { ch <- r }))
	return ch
}

func wait(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("dag did not finish")
	}
	panic("unreachable")
}

func TestFanInFirstReadFails(t *testing.T) {
	assert := assert.New(t)
	io := newManualIssuer()
	rec := newRecorder()
	e := New(io, WithHooks(rec.hooks()), WithLogger(quietLogger()))

	b := dag.NewBuilder("fan-in")
	ba, bb := make([]byte, 512), make([]byte, 512)
	ra := b.AddNode("a", dag.KindDiskRead, dag.DiskParams{Region: region(0, 0), Buf: ba})
	rb := b.AddNode("b", dag.KindDiskRead, dag.DiskParams{Region: region(1, 0), Buf: bb})
	x := b.AddNode("x", dag.KindRegularXor, dag.XorParams{Srcs: [][]byte{ba, bb}, Dst: make([]byte, 512)})
	term := b.AddNode("end", dag.KindTerminate, nil)
	b.Fan([]dag.NodeID{ra, rb}, []dag.NodeID{x}).AddEdge(x, term)
	d, err := b.Build()
	require.NoError(t, err)

	ch := submit(t, e, d)
	reqA := io.next(t)
	reqB := io.next(t)
	assert.Equal(common.DevId(0), reqA.r.Dev)
	assert.Equal(common.DevId(1), reqB.r.Dev)

	boom := errors.New("media error")
	reqA.done(boom)
	reqB.done(disk.ErrDeviceFailed)

	r := wait(t, ch)
	assert.False(r.OK())
	assert.Equal(dag.StateFailedFinal, r.State)
	var ne *dag.NodeError
	require.ErrorAs(t, r.Err, &ne)
	assert.Equal(ra, ne.Node)
	assert.ErrorIs(r.Err, boom)

	assert.Equal(0, rec.firedCount(x), "xor must never fire")
	assert.Equal(0, rec.firedCount(term))
	assert.Empty(rec.undone(), "nothing succeeded, nothing to undo")
	assert.Equal(0, r.Undone)
	assert.Equal(dag.StatusUnfired, d.Node(x).Status())
	io.idle(t)
}

func TestLateSuccessIsUndone(t *testing.T) {
	assert := assert.New(t)
	io := newManualIssuer()
	rec := newRecorder()
	e := New(io, WithHooks(rec.hooks()), WithLogger(quietLogger()))

	b := dag.NewBuilder("fan-in")
	ba, bb := make([]byte, 512), make([]byte, 512)
	ra := b.AddNode("a", dag.KindDiskRead, dag.DiskParams{Region: region(0, 0), Buf: ba})
	rb := b.AddNode("b", dag.KindDiskRead, dag.DiskParams{Region: region(1, 0), Buf: bb})
	x := b.AddNode("x", dag.KindRegularXor, dag.XorParams{Srcs: [][]byte{ba, bb}, Dst: make([]byte, 512)})
	term := b.AddNode("end", dag.KindTerminate, nil)
	b.Fan([]dag.NodeID{ra, rb}, []dag.NodeID{x}).AddEdge(x, term)
	d, err := b.Build()
	require.NoError(t, err)

	ch := submit(t, e, d)
	reqA, reqB := io.next(t), io.next(t)
	reqA.done(disk.ErrDeviceFailed)
	assert.Empty(rec.undone(), "unwind waits for in-flight nodes")
	copy(reqB.b, bytes.Repeat([]byte{0xaa}, 512))
	reqB.done(nil)

	r := wait(t, ch)
	assert.False(r.OK())
	assert.Equal([]dag.NodeID{rb}, rec.undone())
	assert.Equal(dag.StatusUndone, d.Node(rb).Status())
	assert.Equal(make([]byte, 512), bb, "read buffer released on undo")
	assert.Equal(0, rec.firedCount(x))
}

func TestLogFailureUnwindsInReverseFiringOrder(t *testing.T) {
	assert := assert.New(t)
	io := newManualIssuer()
	rec := newRecorder()
	store := plog.NewMemStore(0)
	l, err := plog.Open(store)
	require.NoError(t, err)
	defer l.Shutdown()
	e := New(io, WithParityLog(l), WithHooks(rec.hooks()), WithLogger(quietLogger()))

	b := dag.NewBuilder("log")
	ba, bb := make([]byte, 512), make([]byte, 512)
	ra := b.AddNode("a", dag.KindDiskRead, dag.DiskParams{Region: region(0, 0), Buf: ba})
	rb := b.AddNode("b", dag.KindDiskRead, dag.DiskParams{Region: region(1, 0), Buf: bb})
	lg := b.AddNode("log", dag.KindLogUpdate, dag.LogParams{RU: 4, Priority: 1, Region: region(2, 0)})
	term := b.AddNode("end", dag.KindTerminate, nil)
	b.Fan([]dag.NodeID{ra, rb}, []dag.NodeID{lg}).AddEdge(lg, term)
	d, err := b.Build()
	require.NoError(t, err)

	store.FailWith(errors.New("log device gone"))
	ch := submit(t, e, d)
	reqA, reqB := io.next(t), io.next(t)
	// complete out of firing order; unwind must still follow firing order
	reqB.done(nil)
	reqA.done(nil)

	r := wait(t, ch)
	assert.False(r.OK())
	var ne *dag.NodeError
	require.ErrorAs(t, r.Err, &ne)
	assert.Equal(lg, ne.Node)
	assert.Equal(dag.KindLogUpdate, ne.Kind)
	assert.ErrorIs(r.Err, plog.ErrNotDurable)

	assert.Equal([]dag.NodeID{ra, rb, lg}, d.FiringOrder())
	assert.Equal([]dag.NodeID{rb, ra}, rec.undone())
	assert.Equal(2, r.Undone)
	assert.Equal(0, r.UndoErrors)
	assert.Equal(dag.StatusUndone, d.Node(ra).Status())
	assert.Equal(dag.StatusUndone, d.Node(rb).Status())
	assert.Equal(dag.StatusFailed, d.Node(lg).Status())
	assert.Equal(0, rec.firedCount(term))
	_, pending := l.Lookup(4)
	assert.False(pending)
}

func TestLogUndoCancelsRecord(t *testing.T) {
	assert := assert.New(t)
	io := newManualIssuer()
	store := plog.NewMemStore(0)
	l, err := plog.Open(store)
	require.NoError(t, err)
	defer l.Shutdown()
	e := New(io, WithParityLog(l), WithLogger(quietLogger()))

	b := dag.NewBuilder("rmw")
	buf := make([]byte, 512)
	lg := b.AddNode("log", dag.KindLogOverwrite, dag.LogParams{RU: 9, Priority: 2, Region: region(2, 0)})
	w := b.AddNode("w", dag.KindDiskWrite, dag.DiskParams{Region: region(2, 0), Buf: buf})
	term := b.AddNode("end", dag.KindTerminate, nil)
	b.AddEdge(lg, w).AddEdge(w, term)
	d, err := b.Build()
	require.NoError(t, err)

	ch := submit(t, e, d)
	req := io.next(t)
	entry, ok := l.Lookup(9)
	require.True(t, ok, "log record is durable before the write fires")
	assert.Equal(plog.OpOverwrite, entry.Op)
	req.done(disk.ErrDeviceFailed)

	r := wait(t, ch)
	assert.False(r.OK())
	assert.Equal(1, r.Undone)
	_, ok = l.Lookup(9)
	assert.False(ok)
	recs := store.Records()
	require.Len(t, recs, 2)
	assert.Equal(plog.OpCancel, recs[1].Op)
	assert.Equal(d.Node(lg).LogSeq, recs[1].Ref)
}

func TestUndoFailureIsLoggedNotPropagated(t *testing.T) {
	assert := assert.New(t)
	io := newManualIssuer()
	var logbuf bytes.Buffer
	e := New(io, WithLogger(slog.New(slog.NewTextHandler(&logbuf, nil))))

	b := dag.NewBuilder("write")
	w := b.AddNode("w", dag.KindDiskWrite, dag.DiskParams{
		Region: region(0, 0), Buf: make([]byte, 512), PreImage: make([]byte, 512),
	})
	// no parity log configured, so this node fails
	lg := b.AddNode("log", dag.KindLogUpdate, dag.LogParams{RU: 1, Region: region(1, 0)})
	term := b.AddNode("end", dag.KindTerminate, nil)
	b.AddEdge(w, lg).AddEdge(lg, term)
	d, err := b.Build()
	require.NoError(t, err)

	ch := submit(t, e, d)
	io.next(t).done(nil)
	restore := io.next(t)
	assert.Equal(disk.IOWrite, restore.t)
	restore.done(disk.ErrDeviceFailed)

	r := wait(t, ch)
	assert.Equal(dag.StateFailedFinal, r.State)
	assert.ErrorIs(r.Err, ErrNoParityLog)
	assert.NotErrorIs(r.Err, disk.ErrDeviceFailed)
	assert.Equal(1, r.Undone)
	assert.Equal(1, r.UndoErrors)
	assert.ErrorIs(d.Node(w).Err(), disk.ErrDeviceFailed)
	assert.Contains(logbuf.String(), "undo failed")
	assert.Equal(uint64(1), e.Stats().UndoErrors)
}

func TestFailedRestoreKeepsLogRecord(t *testing.T) {
	assert := assert.New(t)
	io := newManualIssuer()
	l, err := plog.Open(plog.NewMemStore(0))
	require.NoError(t, err)
	defer l.Shutdown()
	e := New(io, WithParityLog(l), WithLogger(quietLogger()))

	b := dag.NewBuilder("rmw")
	lg := b.AddNode("log", dag.KindLogUpdate, dag.LogParams{RU: 4, Priority: 1, Region: region(2, 0)})
	wp := b.AddNode("wp", dag.KindDiskWrite, dag.DiskParams{
		Region: region(2, 0), Buf: make([]byte, 512), PreImage: make([]byte, 512),
	})
	wd := b.AddNode("wd", dag.KindDiskWrite, dag.DiskParams{Region: region(0, 0), Buf: make([]byte, 512)})
	term := b.AddNode("end", dag.KindTerminate, nil)
	b.AddEdge(lg, wp).AddEdge(wp, wd).AddEdge(wd, term)
	d, err := b.Build()
	require.NoError(t, err)

	ch := submit(t, e, d)
	io.next(t).done(nil)
	io.next(t).done(disk.ErrDeviceFailed)
	restore := io.next(t)
	assert.Equal(disk.IOWrite, restore.t)
	restore.done(disk.ErrDeviceFailed)

	r := wait(t, ch)
	assert.Equal(dag.StateFailedFinal, r.State)
	assert.Equal(2, r.Undone)
	assert.Equal(2, r.UndoErrors)
	assert.ErrorIs(d.Node(lg).Err(), ErrLogRecordKept)
	entry, ok := l.Lookup(4)
	require.True(t, ok, "stripe still pending after a failed restore")
	assert.Equal(plog.OpUpdate, entry.Op)
}

// memSet returns a disk set of n in-memory members.
func memSet(t *testing.T, n int, size uint64) (*disk.Set, []*disk.FaultDisk) {
	s := disk.MkSet()
	var fds []*disk.FaultDisk
	for i := 0; i < n; i++ {
		fd := disk.NewFaultDisk(disk.NewMemDisk(size))
		s.Attach(common.DevId(i), fd)
		fds = append(fds, fd)
	}
	t.Cleanup(func() { s.Shutdown() })
	return s, fds
}

func TestParityWrite(t *testing.T) {
	assert := assert.New(t)
	set, fds := memSet(t, 3, 1<<16)
	l, err := plog.Open(plog.NewMemStore(0))
	require.NoError(t, err)
	defer l.Shutdown()
	e := New(set, WithParityLog(l), WithLogger(quietLogger()))

	d0 := bytes.Repeat([]byte{0x0f}, 512)
	d1 := bytes.Repeat([]byte{0x3c}, 512)
	require.NoError(t, fds[0].WriteAt(1024, d0))
	require.NoError(t, fds[1].WriteAt(1024, d1))

	b := dag.NewBuilder("parity").WithPriority(3)
	b0, b1, p := make([]byte, 512), make([]byte, 512), make([]byte, 512)
	r0 := b.AddNode("r0", dag.KindDiskRead, dag.DiskParams{Region: region(0, 1024), Buf: b0})
	r1 := b.AddNode("r1", dag.KindDiskRead, dag.DiskParams{Region: region(1, 1024), Buf: b1})
	x := b.AddNode("x", dag.KindRegularXor, dag.XorParams{Srcs: [][]byte{b0, b1}, Dst: p})
	lg := b.AddNode("log", dag.KindLogUpdate, dag.LogParams{RU: 2, Priority: 3, Region: region(2, 1024)})
	w := b.AddNode("wp", dag.KindDiskWrite, dag.DiskParams{Region: region(2, 1024), Buf: p})
	term := b.AddNode("end", dag.KindTerminate, nil)
	b.Fan([]dag.NodeID{r0, r1}, []dag.NodeID{x}).AddEdge(x, lg).AddEdge(lg, w).AddEdge(w, term)
	d, err := b.Build()
	require.NoError(t, err)

	r, err := e.Run(context.Background(), d)
	require.NoError(t, err)
	assert.True(r.OK(), "%v", r.Err)
	assert.Equal(dag.StateSucceeded, d.State())
	assert.Equal(common.Priority(3), r.Priority)
	assert.NotZero(r.Seq)

	got := make([]byte, 512)
	require.NoError(t, fds[2].ReadAt(1024, got))
	assert.Equal(bytes.Repeat([]byte{0x33}, 512), got)
	entry, ok := l.Lookup(2)
	require.True(t, ok)
	assert.Equal(d.ID, entry.Contributions[0].Owner)

	st := e.Stats()
	assert.Equal(uint64(1), st.Submitted)
	assert.Equal(uint64(1), st.Succeeded)
	assert.Equal(uint64(6), st.NodesFired)
}

func TestWriteRestoresPreImage(t *testing.T) {
	assert := assert.New(t)
	set, fds := memSet(t, 1, 1<<16)
	e := New(set, WithLogger(quietLogger()))
	orig := bytes.Repeat([]byte{0x5a}, 512)
	require.NoError(t, fds[0].WriteAt(0, orig))

	b := dag.NewBuilder("overwrite")
	pre := make([]byte, 512)
	ru := b.AddNode("pre", dag.KindDiskReadUndo, dag.DiskParams{Region: region(0, 0), Buf: pre})
	w := b.AddNode("w", dag.KindDiskWrite, dag.DiskParams{
		Region: region(0, 0), Buf: bytes.Repeat([]byte{0xff}, 512), PreImage: pre,
	})
	lg := b.AddNode("log", dag.KindLogUpdate, dag.LogParams{RU: 0, Region: region(0, 0)})
	term := b.AddNode("end", dag.KindTerminate, nil)
	b.AddEdge(ru, w).AddEdge(w, lg).AddEdge(lg, term)
	d, err := b.Build()
	require.NoError(t, err)

	r, err := e.Run(context.Background(), d)
	require.NoError(t, err)
	assert.False(r.OK())
	assert.Equal(2, r.Undone)
	got := make([]byte, 512)
	require.NoError(t, fds[0].ReadAt(0, got))
	assert.Equal(orig, got)
}

func TestMirrorRead(t *testing.T) {
	assert := assert.New(t)
	set, fds := memSet(t, 2, 1<<20)
	e := New(set, WithLogger(quietLogger()))
	data := bytes.Repeat([]byte{0x42}, 512)
	require.NoError(t, fds[0].WriteAt(4096, data))
	require.NoError(t, fds[1].WriteAt(4096+65536, data))

	run := func(kind dag.Kind, p dag.MirrorParams) (*dag.Dag, Result) {
		b := dag.NewBuilder("mirror")
		m := b.AddNode("m", kind, p)
		term := b.AddNode("end", dag.KindTerminate, nil)
		b.AddEdge(m, term)
		d, err := b.Build()
		require.NoError(t, err)
		r, err := e.Run(context.Background(), d)
		require.NoError(t, err)
		return d, r
	}

	e.Selector().MarkFailed(0, true)
	buf := make([]byte, 512)
	d, r := run(dag.KindMirrorPartitionRead, dag.MirrorParams{
		Replicas: []addr.Region{region(0, 4096), region(1, 4096)},
		Offsets:  []uint64{0, 65536},
		Buf:      buf,
	})
	assert.True(r.OK(), "%v", r.Err)
	assert.Equal(1, d.Node(0).Replica)
	assert.Equal(data, buf)
	assert.Equal(int64(0), e.Selector().Depth(1))

	e.Selector().MarkFailed(1, true)
	_, r = run(dag.KindMirrorIdleRead, dag.MirrorParams{
		Replicas: []addr.Region{region(0, 4096), region(1, 4096)},
		Buf:      make([]byte, 512),
	})
	assert.False(r.OK())
	assert.ErrorIs(r.Err, mirror.ErrNoReplica)
}

func TestRecoveryNode(t *testing.T) {
	assert := assert.New(t)
	set, fds := memSet(t, 3, 1<<16)
	e := New(set, WithLogger(quietLogger()))
	m0 := bytes.Repeat([]byte{0x11}, 512)
	m1 := bytes.Repeat([]byte{0x22}, 512)
	require.NoError(t, fds[0].WriteAt(0, m0))
	require.NoError(t, fds[2].WriteAt(0, m1))

	b := dag.NewBuilder("degraded")
	b0, b2, out := make([]byte, 512), make([]byte, 512), make([]byte, 512)
	r0 := b.AddNode("r0", dag.KindDiskRead, dag.DiskParams{Region: region(0, 0), Buf: b0})
	r2 := b.AddNode("r2", dag.KindDiskRead, dag.DiskParams{Region: region(2, 0), Buf: b2})
	rec := b.AddNode("rec", dag.KindRecoveryXor, dag.RecoveryParams{
		Missing: 1, Members: [][]byte{b0, nil, b2}, Dst: out,
	})
	term := b.AddNode("end", dag.KindTerminate, nil)
	b.Fan([]dag.NodeID{r0, r2}, []dag.NodeID{rec}).AddEdge(rec, term)
	d, err := b.Build()
	require.NoError(t, err)

	r, err := e.Run(context.Background(), d)
	require.NoError(t, err)
	assert.True(r.OK())
	assert.Equal(bytes.Repeat([]byte{0x33}, 512), out)
	assert.Equal(m0, b0, "survivors are not modified")
}

func TestSubmitRules(t *testing.T) {
	assert := assert.New(t)
	e := New(newManualIssuer(), WithLogger(quietLogger()))
	b := dag.NewBuilder("one")
	b.AddNode("end", dag.KindTerminate, nil)
	d, err := b.Build()
	require.NoError(t, err)

	r, err := e.Run(context.Background(), d)
	require.NoError(t, err)
	assert.True(r.OK())
	assert.ErrorIs(e.Submit(context.Background(), d, func(Result) {}), dag.ErrBadTransition)

	require.NoError(t, e.Close(context.Background()))
	b2 := dag.NewBuilder("two")
	b2.AddNode("end", dag.KindTerminate, nil)
	d2, err := b2.Build()
	require.NoError(t, err)
	assert.ErrorIs(e.Submit(context.Background(), d2, func(Result) {}), ErrClosed)
}

// randomDag builds a layered DAG of reads and null nodes over devs 0..3.
func randomDag(t *testing.T, rnd *rand.Rand) *dag.Dag {
	b := dag.NewBuilder("random")
	hasSucc := make(map[dag.NodeID]bool)
	edge := func(from, to dag.NodeID) {
		b.AddEdge(from, to)
		hasSucc[from] = true
	}
	var prev []dag.NodeID
	layers := 1 + rnd.Intn(4)
	for l := 0; l < layers; l++ {
		var cur []dag.NodeID
		width := 1 + rnd.Intn(3)
		for i := 0; i < width; i++ {
			var id dag.NodeID
			if rnd.Intn(3) == 0 {
				id = b.AddNode("", dag.KindNull, nil)
			} else {
				dev := common.DevId(rnd.Intn(4))
				off := uint64(rnd.Intn(64)) * 512
				id = b.AddNode("", dag.KindDiskRead, dag.DiskParams{Region: region(dev, off), Buf: make([]byte, 512)})
			}
			for _, p := range prev {
				if rnd.Intn(2) == 0 || len(cur) == 0 && p == prev[0] {
					edge(p, id)
				}
			}
			cur = append(cur, id)
		}
		// every earlier node needs a successor so the terminal is the only sink
		for _, p := range prev {
			if !hasSucc[p] {
				edge(p, cur[0])
			}
		}
		prev = cur
	}
	term := b.AddNode("end", dag.KindTerminate, nil)
	b.Fan(prev, []dag.NodeID{term})
	d, err := b.Build()
	require.NoError(t, err)
	return d
}

func TestConcurrentDagsInvariants(t *testing.T) {
	set, fds := memSet(t, 4, 1<<16)
	fds[3].SetFailed(true)

	var mu sync.Mutex
	fires := make(map[*dag.Dag]map[dag.NodeID]int)
	undos := make(map[*dag.Dag][]dag.NodeID)
	hooks := Hooks{
		OnFire: func(d *dag.Dag, n *dag.Node) {
			mu.Lock()
			defer mu.Unlock()
			if fires[d] == nil {
				fires[d] = make(map[dag.NodeID]int)
			}
			fires[d][n.ID]++
		},
		OnUndo: func(d *dag.Dag, n *dag.Node, err error) {
			mu.Lock()
			defer mu.Unlock()
			undos[d] = append(undos[d], n.ID)
		},
	}
	e := New(set, WithHooks(hooks), WithLogger(quietLogger()))

	rnd := rand.New(rand.NewSource(1))
	const ndags = 200
	dags := make([]*dag.Dag, ndags)
	calls := make([]int, ndags)
	results := make([]Result, ndags)
	var cbmu sync.Mutex
	for i := range dags {
		dags[i] = randomDag(t, rnd)
		i := i
		require.NoError(t, e.Submit(context.Background(), dags[i], func(r Result) {
			cbmu.Lock()
			calls[i]++
			results[i] = r
			cbmu.Unlock()
		}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))

	var nfail int
	for i, d := range dags {
		require.Equal(t, 1, calls[i], "terminal callback exactly once")
		for id, c := range fires[d] {
			require.Equal(t, 1, c, "node %d fired %d times", id, c)
		}
		if results[i].OK() {
			require.True(t, d.AllSucceeded())
			continue
		}
		nfail++
		// undo ran on exactly the nodes that succeeded, latest-fired first
		var want []dag.NodeID
		order := d.FiringOrder()
		for k := len(order) - 1; k >= 0; k-- {
			if d.Node(order[k]).Status() == dag.StatusUndone {
				want = append(want, order[k])
			}
		}
		require.Equal(t, want, undos[d])
		for _, n := range d.Nodes() {
			require.NotEqual(t, dag.StatusSucceeded, n.Status())
			require.NotEqual(t, dag.StatusFired, n.Status())
		}
	}
	assert.Greater(t, nfail, 0)
	assert.Less(t, nfail, ndags)
	st := e.Stats()
	assert.Equal(t, uint64(ndags), st.Succeeded+st.Failed)
	assert.Equal(t, int64(0), st.Active)
}
