package array

import (
	"fmt"

	"github.com/mit-pdos/go-raidframe/addr"
	"github.com/mit-pdos/go-raidframe/common"
	"github.com/mit-pdos/go-raidframe/dag"
)

// Parity-log priorities: degraded stripes have no redundancy left, so
// their records resync first.
const (
	prioWrite    common.Priority = 1
	prioDegraded common.Priority = 2
)

func (a *Array) hasOffsets() bool {
	for _, o := range a.geo.Offsets {
		if o != 0 {
			return true
		}
	}
	return false
}

func finish(b *dag.Builder, leaves []dag.NodeID) (*dag.Dag, error) {
	term := b.AddNode("done", dag.KindTerminate, nil)
	b.Fan(leaves, []dag.NodeID{term})
	return b.Build()
}

func (a *Array) buildRead(sio stripeIO) (*dag.Dag, error) {
	if a.geo.Level == RAID1 {
		return a.buildMirrorRead(sio)
	}
	g := a.geo
	s := sio.stripe
	b := dag.NewBuilder(fmt.Sprintf("read s%d", s))
	var leaves []dag.NodeID
	for _, c := range sio.chunks {
		dev := g.DataDisk(s, c.unit)
		n := uint64(len(c.data))
		if a.alive(dev, s) {
			leaves = append(leaves, b.AddNode(fmt.Sprintf("rd u%d", c.unit), dag.KindDiskRead,
				dag.DiskParams{Region: g.UnitRegion(dev, s, c.off, n), Buf: c.data}))
			continue
		}
		// degraded: regenerate the unit from every other member
		members := make([][]byte, g.NDisks)
		var reads []dag.NodeID
		for m := 0; m < g.NDisks; m++ {
			mdev := a.memberDev(s, m)
			if m == c.unit {
				continue
			}
			if !a.alive(mdev, s) {
				return nil, fmt.Errorf("%w: stripe %d", ErrTooManyFailures, s)
			}
			members[m] = make([]byte, n)
			reads = append(reads, b.AddNode(fmt.Sprintf("rd m%d", m), dag.KindDiskRead,
				dag.DiskParams{Region: g.UnitRegion(mdev, s, c.off, n), Buf: members[m]}))
		}
		rec := b.AddNode(fmt.Sprintf("rec u%d", c.unit), dag.KindRecoveryXor,
			dag.RecoveryParams{Missing: c.unit, Members: members, Dst: c.data})
		b.Fan(reads, []dag.NodeID{rec})
		leaves = append(leaves, rec)
	}
	return finish(b, leaves)
}

// memberDev numbers a stripe's members: data units 0..NData-1, then parity.
func (a *Array) memberDev(s common.RUIndex, m int) common.DevId {
	if m == a.geo.NData() {
		return a.geo.ParityDisk(s)
	}
	return a.geo.DataDisk(s, m)
}

func (a *Array) buildMirrorRead(sio stripeIO) (*dag.Dag, error) {
	g := a.geo
	s := sio.stripe
	b := dag.NewBuilder(fmt.Sprintf("read s%d", s))
	var leaves []dag.NodeID
	for _, c := range sio.chunks {
		var replicas []addr.Region
		for d := 0; d < g.NDisks; d++ {
			replicas = append(replicas,
				addr.MkRegion(common.DevId(d), uint64(s)*g.StripeUnit+c.off, uint64(len(c.data))))
		}
		p := dag.MirrorParams{Replicas: replicas, Buf: c.data}
		kind := dag.KindMirrorIdleRead
		if a.hasOffsets() {
			kind = dag.KindMirrorPartitionRead
			p.Offsets = g.Offsets
		} else {
			for i := range p.Replicas {
				p.Replicas[i] = p.Replicas[i].Shift(g.Offsets[i])
			}
		}
		leaves = append(leaves, b.AddNode("mirror", kind, p))
	}
	return finish(b, leaves)
}

func (a *Array) buildWrite(sio stripeIO) (*dag.Dag, func(*dag.Dag) error, error) {
	if a.geo.Level == RAID1 {
		d, err := a.buildMirrorWrite(sio)
		return d, nil, err
	}
	g := a.geo
	s := sio.stripe
	pdev := g.ParityDisk(s)
	pAlive := a.alive(pdev, s)
	failedUnit := -1
	nfailed := 0
	if !pAlive {
		nfailed++
	}
	for u := 0; u < g.NData(); u++ {
		if !a.alive(g.DataDisk(s, u), s) {
			failedUnit = u
			nfailed++
		}
	}
	if nfailed > 1 {
		return nil, nil, fmt.Errorf("%w: stripe %d", ErrTooManyFailures, s)
	}

	var d *dag.Dag
	var err error
	logged := true
	switch {
	case !pAlive:
		d, err = a.buildDataOnlyWrite(sio)
		logged = false
	case failedUnit >= 0:
		d, err = a.buildReconstructWrite(sio, failedUnit)
	case sio.covers(g):
		d, err = a.buildFullStripeWrite(sio)
	default:
		d, err = a.buildSmallWrite(sio)
	}
	if err != nil || !logged {
		return d, nil, err
	}
	// parity is consistent again once the DAG succeeds
	retire := func(d *dag.Dag) error {
		return a.log.RetireOwned(d.ID, s)
	}
	return d, retire, nil
}

func (a *Array) buildMirrorWrite(sio stripeIO) (*dag.Dag, error) {
	g := a.geo
	s := sio.stripe
	b := dag.NewBuilder(fmt.Sprintf("write s%d", s))
	var leaves []dag.NodeID
	for d := 0; d < g.NDisks; d++ {
		dev := common.DevId(d)
		if !a.alive(dev, s) {
			continue
		}
		for _, c := range sio.chunks {
			leaves = append(leaves, b.AddNode(fmt.Sprintf("wr d%d", d), dag.KindDiskWrite,
				dag.DiskParams{Region: g.UnitRegion(dev, s, c.off, uint64(len(c.data))), Buf: c.data}))
		}
	}
	if len(leaves) == 0 {
		return nil, fmt.Errorf("%w: stripe %d", ErrTooManyFailures, s)
	}
	return finish(b, leaves)
}

// buildDataOnlyWrite writes data units of a stripe whose parity member is
// gone; there is no parity left to protect.
func (a *Array) buildDataOnlyWrite(sio stripeIO) (*dag.Dag, error) {
	g := a.geo
	s := sio.stripe
	b := dag.NewBuilder(fmt.Sprintf("write s%d nopar", s))
	var leaves []dag.NodeID
	for _, c := range sio.chunks {
		dev := g.DataDisk(s, c.unit)
		leaves = append(leaves, b.AddNode(fmt.Sprintf("wr u%d", c.unit), dag.KindDiskWrite,
			dag.DiskParams{Region: g.UnitRegion(dev, s, c.off, uint64(len(c.data))), Buf: c.data}))
	}
	return finish(b, leaves)
}

// buildFullStripeWrite: xor all new units into parity, log an overwrite,
// then write everything.
func (a *Array) buildFullStripeWrite(sio stripeIO) (*dag.Dag, error) {
	g := a.geo
	s := sio.stripe
	pdev := g.ParityDisk(s)
	b := dag.NewBuilder(fmt.Sprintf("write s%d full", s)).WithPriority(prioWrite)

	srcs := make([][]byte, len(sio.chunks))
	for _, c := range sio.chunks {
		srcs[c.unit] = c.data
	}
	parity := make([]byte, g.StripeUnit)
	x := b.AddNode("xor", dag.KindRegularXor, dag.XorParams{Srcs: srcs, Dst: parity})
	preg := g.UnitRegion(pdev, s, 0, g.StripeUnit)
	lg := b.AddNode("log", dag.KindLogOverwrite, dag.LogParams{RU: s, Priority: prioWrite, Region: preg})
	b.AddEdge(x, lg)

	var writes []dag.NodeID
	for _, c := range sio.chunks {
		dev := g.DataDisk(s, c.unit)
		writes = append(writes, b.AddNode(fmt.Sprintf("wr u%d", c.unit), dag.KindDiskWrite,
			dag.DiskParams{Region: g.UnitRegion(dev, s, 0, g.StripeUnit), Buf: c.data}))
	}
	writes = append(writes, b.AddNode("wr p", dag.KindDiskWrite, dag.DiskParams{Region: preg, Buf: parity}))
	b.Fan([]dag.NodeID{lg}, writes)
	return finish(b, writes)
}

// buildSmallWrite is read-modify-write: capture the old data and parity,
// fold old^new into the parity, log the update, then write data and
// parity. The captured pre-images let a failed write be rolled back.
func (a *Array) buildSmallWrite(sio stripeIO) (*dag.Dag, error) {
	g := a.geo
	s := sio.stripe
	pdev := g.ParityDisk(s)
	b := dag.NewBuilder(fmt.Sprintf("write s%d rmw", s)).WithPriority(prioWrite)

	lo, hi := sio.chunks[0].off, sio.chunks[0].end()
	for _, c := range sio.chunks[1:] {
		if c.off < lo {
			lo = c.off
		}
		if c.end() > hi {
			hi = c.end()
		}
	}
	preg := g.UnitRegion(pdev, s, lo, hi-lo)
	oldP := make([]byte, hi-lo)
	newP := make([]byte, hi-lo)
	rp := b.AddNode("pre p", dag.KindDiskReadUndo, dag.DiskParams{Region: preg, Buf: oldP})
	// newP starts zeroed, so folding oldP into it copies it
	cp := b.AddNode("copy p", dag.KindSimpleXor, dag.XorParams{Srcs: [][]byte{oldP}, Dst: newP})
	b.AddEdge(rp, cp)

	prev := cp
	olds := make([][]byte, len(sio.chunks))
	for i, c := range sio.chunks {
		dev := g.DataDisk(s, c.unit)
		olds[i] = make([]byte, len(c.data))
		pre := b.AddNode(fmt.Sprintf("pre u%d", c.unit), dag.KindDiskReadUndo,
			dag.DiskParams{Region: g.UnitRegion(dev, s, c.off, uint64(len(c.data))), Buf: olds[i]})
		sub := newP[c.off-lo : c.end()-lo]
		x := b.AddNode(fmt.Sprintf("xor3 u%d", c.unit), dag.KindRegularXor,
			dag.XorParams{Srcs: [][]byte{sub, olds[i], c.data}, Dst: sub})
		b.AddEdge(pre, x).AddEdge(prev, x)
		prev = x
	}

	lg := b.AddNode("log", dag.KindLogUpdate, dag.LogParams{RU: s, Priority: prioWrite, Region: preg})
	b.AddEdge(prev, lg)

	var writes []dag.NodeID
	for i, c := range sio.chunks {
		dev := g.DataDisk(s, c.unit)
		writes = append(writes, b.AddNode(fmt.Sprintf("wr u%d", c.unit), dag.KindDiskWrite,
			dag.DiskParams{
				Region:   g.UnitRegion(dev, s, c.off, uint64(len(c.data))),
				Buf:      c.data,
				PreImage: olds[i],
			}))
	}
	writes = append(writes, b.AddNode("wr p", dag.KindDiskWrite,
		dag.DiskParams{Region: preg, Buf: newP, PreImage: oldP}))
	b.Fan([]dag.NodeID{lg}, writes)
	return finish(b, writes)
}

// buildReconstructWrite writes a stripe with one failed data member. It
// reads every surviving unit in full and regenerates the missing one, which
// supplies the old data the parity fold needs; the rest is
// read-modify-write. Data destined for the failed member lives on only in
// the parity.
func (a *Array) buildReconstructWrite(sio stripeIO, failedUnit int) (*dag.Dag, error) {
	g := a.geo
	s := sio.stripe
	nd := g.NData()
	su := g.StripeUnit
	pdev := g.ParityDisk(s)
	b := dag.NewBuilder(fmt.Sprintf("write s%d degraded", s)).WithPriority(prioDegraded)

	// members[0..nd-1] are the old data units, members[nd] the old parity
	members := make([][]byte, nd+1)
	var reads []dag.NodeID
	for m := 0; m <= nd; m++ {
		if m == failedUnit {
			continue
		}
		members[m] = make([]byte, su)
		reads = append(reads, b.AddNode(fmt.Sprintf("pre m%d", m), dag.KindDiskReadUndo,
			dag.DiskParams{Region: g.UnitRegion(a.memberDev(s, m), s, 0, su), Buf: members[m]}))
	}
	oldF := make([]byte, su)
	rec := b.AddNode(fmt.Sprintf("rec u%d", failedUnit), dag.KindRecoveryXor,
		dag.RecoveryParams{Missing: failedUnit, Members: members, Dst: oldF})
	b.Fan(reads, []dag.NodeID{rec})

	lo, hi := sio.chunks[0].off, sio.chunks[0].end()
	for _, c := range sio.chunks[1:] {
		if c.off < lo {
			lo = c.off
		}
		if c.end() > hi {
			hi = c.end()
		}
	}
	oldP := members[nd][lo:hi]
	newP := make([]byte, hi-lo)
	prev := b.AddNode("copy p", dag.KindSimpleXor, dag.XorParams{Srcs: [][]byte{oldP}, Dst: newP})
	b.AddEdge(rec, prev)

	old := func(u int) []byte {
		if u == failedUnit {
			return oldF
		}
		return members[u]
	}
	for _, c := range sio.chunks {
		sub := newP[c.off-lo : c.end()-lo]
		x := b.AddNode(fmt.Sprintf("xor3 u%d", c.unit), dag.KindRegularXor,
			dag.XorParams{Srcs: [][]byte{sub, old(c.unit)[c.off:c.end()], c.data}, Dst: sub})
		b.AddEdge(prev, x)
		prev = x
	}
	preg := g.UnitRegion(pdev, s, lo, hi-lo)
	lg := b.AddNode("log", dag.KindLogUpdate, dag.LogParams{RU: s, Priority: prioDegraded, Region: preg})
	b.AddEdge(prev, lg)

	var writes []dag.NodeID
	for _, c := range sio.chunks {
		if c.unit == failedUnit {
			continue
		}
		writes = append(writes, b.AddNode(fmt.Sprintf("wr u%d", c.unit), dag.KindDiskWrite,
			dag.DiskParams{
				Region:   g.UnitRegion(g.DataDisk(s, c.unit), s, c.off, uint64(len(c.data))),
				Buf:      c.data,
				PreImage: members[c.unit][c.off:c.end()],
			}))
	}
	writes = append(writes, b.AddNode("wr p", dag.KindDiskWrite,
		dag.DiskParams{Region: preg, Buf: newP, PreImage: oldP}))
	b.Fan([]dag.NodeID{lg}, writes)
	return finish(b, writes)
}
