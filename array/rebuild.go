package array

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mit-pdos/go-raidframe/addr"
	"github.com/mit-pdos/go-raidframe/common"
	"github.com/mit-pdos/go-raidframe/dag"
	"github.com/mit-pdos/go-raidframe/disk"
	"github.com/mit-pdos/go-raidframe/xor"
)

// throttle blocks until n more bytes of background I/O are allowed.
func (a *Array) throttle(ctx context.Context, n uint64) error {
	if a.limiter == nil {
		return nil
	}
	return a.limiter.WaitN(ctx, int(n))
}

// eachStripe runs f on every stripe with bounded parallelism.
func (a *Array) eachStripe(ctx context.Context, f func(context.Context, common.RUIndex) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallelism)
	for s := uint64(0); s < a.geo.NStripes(); s++ {
		if ctx.Err() != nil {
			break
		}
		ru := common.RUIndex(s)
		g.Go(func() error {
			return f(ctx, ru)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Rebuild regenerates failed member dev onto replacement, stripe by stripe.
// Stripes already regenerated are served from the replacement while the
// rest are still degraded. On success dev is back in service.
func (a *Array) Rebuild(ctx context.Context, dev common.DevId, replacement disk.Disk) error {
	a.mu.Lock()
	if !a.failed[dev] {
		a.mu.Unlock()
		return fmt.Errorf("%w: dev %d", ErrNotFailed, dev)
	}
	a.rebuilt[dev] = make(map[common.RUIndex]bool)
	a.mu.Unlock()

	a.set.Attach(dev, replacement)
	start := time.Now()
	a.logger.Info("rebuild started", slog.Uint64("dev", uint64(dev)),
		slog.Uint64("stripes", a.geo.NStripes()))

	err := a.eachStripe(ctx, func(ctx context.Context, s common.RUIndex) error {
		if err := a.throttle(ctx, a.geo.StripeUnit); err != nil {
			return err
		}
		return a.runStripe(ctx, s, func() (*dag.Dag, func(*dag.Dag) error, error) {
			d, err := a.buildRebuild(dev, s)
			post := func(*dag.Dag) error {
				a.mu.Lock()
				defer a.mu.Unlock()
				if m, ok := a.rebuilt[dev]; ok {
					m[s] = true
				}
				return nil
			}
			return d, post, err
		})
	})
	if err != nil {
		a.logger.Error("rebuild failed", slog.Uint64("dev", uint64(dev)), slog.Any("error", err))
		return fmt.Errorf("rebuild dev %d: %w", dev, err)
	}

	a.mu.Lock()
	delete(a.failed, dev)
	delete(a.rebuilt, dev)
	a.mu.Unlock()
	a.sel.MarkFailed(dev, false)
	a.logger.Info("rebuild done", slog.Uint64("dev", uint64(dev)),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (a *Array) buildRebuild(dev common.DevId, s common.RUIndex) (*dag.Dag, error) {
	g := a.geo
	su := g.StripeUnit
	b := dag.NewBuilder(fmt.Sprintf("rebuild d%d s%d", dev, s))
	buf := make([]byte, su)
	target := g.UnitRegion(dev, s, 0, su)

	var src dag.NodeID
	if g.Level == RAID1 {
		var replicas []addr.Region
		for d := 0; d < g.NDisks; d++ {
			rd := common.DevId(d)
			if rd != dev && a.alive(rd, s) {
				replicas = append(replicas, g.UnitRegion(rd, s, 0, su))
			}
		}
		if len(replicas) == 0 {
			return nil, fmt.Errorf("%w: stripe %d", ErrTooManyFailures, s)
		}
		src = b.AddNode("mirror", dag.KindMirrorIdleRead, dag.MirrorParams{Replicas: replicas, Buf: buf})
	} else {
		members := make([][]byte, g.NDisks)
		missing := -1
		var reads []dag.NodeID
		for m := 0; m < g.NDisks; m++ {
			mdev := a.memberDev(s, m)
			if mdev == dev {
				missing = m
				continue
			}
			if !a.alive(mdev, s) {
				return nil, fmt.Errorf("%w: stripe %d", ErrTooManyFailures, s)
			}
			members[m] = make([]byte, su)
			reads = append(reads, b.AddNode(fmt.Sprintf("rd m%d", m), dag.KindDiskRead,
				dag.DiskParams{Region: g.UnitRegion(mdev, s, 0, su), Buf: members[m]}))
		}
		src = b.AddNode(fmt.Sprintf("rec m%d", missing), dag.KindRecoveryXor,
			dag.RecoveryParams{Missing: missing, Members: members, Dst: buf})
		b.Fan(reads, []dag.NodeID{src})
	}
	wr := b.AddNode("wr", dag.KindDiskWrite, dag.DiskParams{Region: target, Buf: buf})
	b.AddEdge(src, wr)
	return finish(b, []dag.NodeID{wr})
}

// Resync recomputes the parity of every stripe the parity log still holds
// pending, highest priority first, and retires each one. It returns how
// many stripes were resynced. Stripes that lost a data member cannot be
// recomputed and stay pending.
func (a *Array) Resync(ctx context.Context) (int, error) {
	if a.log == nil {
		return 0, nil
	}
	n := 0
	for _, e := range a.log.Pending() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		s := e.RU
		if uint64(s) >= a.geo.NStripes() {
			a.logger.Warn("dropping parity log entry beyond array", slog.Uint64("ru", uint64(s)))
			if err := a.log.Retire(s); err != nil {
				return n, err
			}
			continue
		}
		if err := a.throttle(ctx, a.geo.StripeUnit); err != nil {
			return n, err
		}
		err := a.runStripe(ctx, s, func() (*dag.Dag, func(*dag.Dag) error, error) {
			d, err := a.buildResync(s)
			return d, func(*dag.Dag) error { return a.log.Retire(s) }, err
		})
		if errors.Is(err, ErrTooManyFailures) {
			a.logger.Warn("stripe cannot be resynced", slog.Uint64("ru", uint64(s)),
				slog.Uint64("priority", uint64(e.Priority)))
			continue
		}
		if err != nil {
			return n, fmt.Errorf("resync stripe %d: %w", s, err)
		}
		n++
	}
	a.logger.Info("resync done", slog.Int("stripes", n))
	return n, nil
}

// buildResync recomputes stripe s's parity from its data units. A stripe
// whose parity member is gone has no parity to fix, so its DAG is empty.
func (a *Array) buildResync(s common.RUIndex) (*dag.Dag, error) {
	g := a.geo
	su := g.StripeUnit
	b := dag.NewBuilder(fmt.Sprintf("resync s%d", s))
	pdev := g.ParityDisk(s)
	if !a.alive(pdev, s) {
		return finish(b, []dag.NodeID{b.AddNode("skip", dag.KindNull, nil)})
	}
	srcs := make([][]byte, g.NData())
	var reads []dag.NodeID
	for u := range srcs {
		dev := g.DataDisk(s, u)
		if !a.alive(dev, s) {
			return nil, fmt.Errorf("%w: stripe %d", ErrTooManyFailures, s)
		}
		srcs[u] = make([]byte, su)
		reads = append(reads, b.AddNode(fmt.Sprintf("rd u%d", u), dag.KindDiskRead,
			dag.DiskParams{Region: g.UnitRegion(dev, s, 0, su), Buf: srcs[u]}))
	}
	parity := make([]byte, su)
	x := b.AddNode("xor", dag.KindRegularXor, dag.XorParams{Srcs: srcs, Dst: parity})
	b.Fan(reads, []dag.NodeID{x})
	wr := b.AddNode("wr p", dag.KindDiskWrite,
		dag.DiskParams{Region: g.UnitRegion(pdev, s, 0, su), Buf: parity})
	b.AddEdge(x, wr)
	return finish(b, []dag.NodeID{wr})
}

// Scrub reads every stripe whose members are all in service and reports
// the ones whose redundancy does not check out: parity that is not the XOR
// of the data, or mirror copies that differ.
func (a *Array) Scrub(ctx context.Context) ([]common.RUIndex, error) {
	var mu sync.Mutex
	var bad []common.RUIndex
	err := a.eachStripe(ctx, func(ctx context.Context, s common.RUIndex) error {
		if err := a.throttle(ctx, a.geo.StripeUnit); err != nil {
			return err
		}
		var members [][]byte
		err := a.runStripe(ctx, s, func() (*dag.Dag, func(*dag.Dag) error, error) {
			var d *dag.Dag
			var err error
			d, members, err = a.buildScrub(s)
			return d, nil, err
		})
		if err != nil || members == nil {
			return err
		}
		if !consistent(a.geo.Level, members) {
			a.logger.Warn("stripe inconsistent", slog.Uint64("stripe", uint64(s)))
			mu.Lock()
			bad = append(bad, s)
			mu.Unlock()
		}
		return nil
	})
	sort.Slice(bad, func(i, j int) bool { return bad[i] < bad[j] })
	return bad, err
}

// buildScrub reads every member of stripe s. It returns a nil DAG if some
// member is out of service.
func (a *Array) buildScrub(s common.RUIndex) (*dag.Dag, [][]byte, error) {
	g := a.geo
	su := g.StripeUnit
	b := dag.NewBuilder(fmt.Sprintf("scrub s%d", s))
	devs := make([]common.DevId, g.NDisks)
	for m := range devs {
		devs[m] = common.DevId(m)
		if g.Level == RAID5 {
			devs[m] = a.memberDev(s, m)
		}
		if !a.alive(devs[m], s) {
			d, err := finish(b, []dag.NodeID{b.AddNode("skip", dag.KindNull, nil)})
			return d, nil, err
		}
	}
	members := make([][]byte, g.NDisks)
	var reads []dag.NodeID
	for m, dev := range devs {
		members[m] = make([]byte, su)
		reads = append(reads, b.AddNode(fmt.Sprintf("rd m%d", m), dag.KindDiskRead,
			dag.DiskParams{Region: g.UnitRegion(dev, s, 0, su), Buf: members[m]}))
	}
	d, err := finish(b, reads)
	return d, members, err
}

func consistent(l Level, members [][]byte) bool {
	if l == RAID1 {
		for _, m := range members[1:] {
			if !bytes.Equal(m, members[0]) {
				return false
			}
		}
		return true
	}
	p, err := xor.Fold(members)
	if err != nil {
		return false
	}
	return bytes.Count(p, []byte{0}) == len(p)
}
