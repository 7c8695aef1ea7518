// Package array is a producer of I/O DAGs for RAID-1 and RAID-5 arrays. It
// turns logical reads and writes into per-stripe DAGs, runs them on an
// engine, and keeps track of failed and rebuilding members.
package array

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mit-pdos/go-raidframe/addr"
	"github.com/mit-pdos/go-raidframe/common"
	"github.com/mit-pdos/go-raidframe/dag"
	"github.com/mit-pdos/go-raidframe/disk"
	"github.com/mit-pdos/go-raidframe/engine"
	"github.com/mit-pdos/go-raidframe/lockmap"
	"github.com/mit-pdos/go-raidframe/mirror"
	"github.com/mit-pdos/go-raidframe/plog"
)

var (
	ErrTooManyFailures = errors.New("array: too many failed members")
	ErrNotFailed       = errors.New("array: member is not failed")
	ErrNeedParityLog   = errors.New("array: raid5 needs a parity log")
)

type Options struct {
	Geometry Geometry
	// Log is required for RAID5.
	Log *plog.Log
	// Parallelism bounds concurrent stripe DAGs per request and during
	// rebuild.
	Parallelism int
	// BytesPerSec throttles rebuild and resync; 0 is unlimited.
	BytesPerSec uint64
	Logger      *slog.Logger
	Hooks       engine.Hooks
}

type Array struct {
	geo         Geometry
	set         *disk.Set
	eng         *engine.Engine
	log         *plog.Log
	sel         *mirror.Selector
	logger      *slog.Logger
	locks       *lockmap.LockMap
	limiter     *rate.Limiter
	parallelism int

	mu     sync.Mutex
	failed map[common.DevId]bool
	// rebuilt[d] holds the stripes already regenerated on member d while it
	// is being rebuilt.
	rebuilt map[common.DevId]map[common.RUIndex]bool
}

// New builds an array over the members attached to set.
func New(set *disk.Set, opts Options) (*Array, error) {
	g := opts.Geometry
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if g.Level == RAID5 && opts.Log == nil {
		return nil, ErrNeedParityLog
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	par := opts.Parallelism
	if par < 1 {
		par = 1
	}
	sel := mirror.New()
	engOpts := []engine.Option{
		engine.WithSelector(sel),
		engine.WithLogger(logger),
		engine.WithHooks(opts.Hooks),
	}
	if opts.Log != nil {
		engOpts = append(engOpts, engine.WithParityLog(opts.Log))
	}
	a := &Array{
		geo:         g,
		set:         set,
		eng:         engine.New(set, engOpts...),
		log:         opts.Log,
		sel:         sel,
		logger:      logger.With(slog.String("level", g.Level.String())),
		locks:       lockmap.MkLockMap(),
		parallelism: par,
		failed:      make(map[common.DevId]bool),
		rebuilt:     make(map[common.DevId]map[common.RUIndex]bool),
	}
	if opts.BytesPerSec > 0 {
		burst := opts.BytesPerSec
		if burst < g.StripeUnit {
			burst = g.StripeUnit
		}
		a.limiter = rate.NewLimiter(rate.Limit(opts.BytesPerSec), int(burst))
	}
	return a, nil
}

func (a *Array) Geometry() Geometry {
	return a.geo
}

func (a *Array) Engine() *engine.Engine {
	return a.eng
}

func (a *Array) Selector() *mirror.Selector {
	return a.sel
}

// MarkFailed takes member dev out of service.
func (a *Array) MarkFailed(dev common.DevId) {
	a.mu.Lock()
	a.failed[dev] = true
	delete(a.rebuilt, dev)
	a.mu.Unlock()
	a.sel.MarkFailed(dev, true)
	a.logger.Warn("member failed", slog.Uint64("dev", uint64(dev)))
}

// Failed lists the members out of service.
func (a *Array) Failed() []common.DevId {
	a.mu.Lock()
	defer a.mu.Unlock()
	var devs []common.DevId
	for d := 0; d < a.geo.NDisks; d++ {
		if a.failed[common.DevId(d)] {
			devs = append(devs, common.DevId(d))
		}
	}
	return devs
}

// alive reports whether member dev holds valid data for stripe s.
func (a *Array) alive(dev common.DevId, s common.RUIndex) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.failed[dev] || a.rebuilt[dev][s]
}

// Close waits for running DAGs, then stops the parity log and the disks.
func (a *Array) Close(ctx context.Context) error {
	err := a.eng.Close(ctx)
	if a.log != nil {
		err = errors.Join(err, a.log.Shutdown())
	}
	return errors.Join(err, a.set.Shutdown())
}

// builder produces a fresh DAG for a stripe, plus work to do once it
// succeeds.
type builder func() (*dag.Dag, func(*dag.Dag) error, error)

// runStripe runs the DAG for stripe s under the stripe's lock. If the DAG
// fails because a member failed, the member is marked failed and the stripe
// is retried once in degraded mode. The post step only runs once every
// member the DAG wrote has passed a barrier.
func (a *Array) runStripe(ctx context.Context, s common.RUIndex, build builder) error {
	a.locks.Acquire(s)
	defer a.locks.Release(s)
	for attempt := 0; ; attempt++ {
		d, post, err := build()
		if err != nil {
			return err
		}
		// the lock must outlive the DAG, so never stop waiting early
		r, err := a.eng.Run(context.WithoutCancel(ctx), d)
		if err != nil {
			return err
		}
		if r.OK() {
			if post == nil {
				return nil
			}
			if !a.locks.Held(s) {
				panic(fmt.Errorf("stripe %d: post step without the stripe lock", s))
			}
			if err := a.flush(d); err != nil {
				return fmt.Errorf("stripe %d: %w", s, err)
			}
			return post(d)
		}
		dev, ok := failedMember(d, r.Err)
		if !ok || attempt > 0 {
			return fmt.Errorf("stripe %d: %w", s, r.Err)
		}
		a.MarkFailed(dev)
		a.logger.Info("retrying stripe degraded",
			slog.Uint64("stripe", uint64(s)), slog.Uint64("dev", uint64(dev)))
	}
}

// flush issues a barrier to every member d wrote and waits for all of them.
func (a *Array) flush(d *dag.Dag) error {
	devs := make(map[common.DevId]bool)
	for _, n := range d.Nodes() {
		if p, ok := n.Params.(dag.DiskParams); ok && n.Kind == dag.KindDiskWrite {
			devs[p.Region.Dev] = true
		}
	}
	done := make(chan error, len(devs))
	for dev := range devs {
		a.set.Issue(disk.IONop, addr.MkRegion(dev, 0, 0), nil, func(err error) { done <- err })
	}
	var err error
	for range devs {
		err = errors.Join(err, <-done)
	}
	return err
}

// failedMember finds the member whose device failure failed d.
func failedMember(d *dag.Dag, err error) (common.DevId, bool) {
	var ne *dag.NodeError
	if !errors.As(err, &ne) || !errors.Is(ne.Err, disk.ErrDeviceFailed) {
		return 0, false
	}
	n := d.Node(ne.Node)
	switch p := n.Params.(type) {
	case dag.DiskParams:
		return p.Region.Dev, true
	case dag.MirrorParams:
		if n.Replica >= 0 && n.Replica < len(p.Replicas) {
			return p.Replicas[n.Replica].Dev, true
		}
	}
	return 0, false
}

// forStripes runs f on every stripe piece with bounded parallelism.
func (a *Array) forStripes(ctx context.Context, ios []stripeIO, f func(context.Context, stripeIO) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallelism)
	for _, sio := range ios {
		sio := sio
		g.Go(func() error {
			return f(ctx, sio)
		})
	}
	return g.Wait()
}

// Read fills buf from logical offset off.
func (a *Array) Read(ctx context.Context, off uint64, buf []byte) error {
	ios, err := a.geo.split(off, buf)
	if err != nil {
		return err
	}
	return a.forStripes(ctx, ios, func(ctx context.Context, sio stripeIO) error {
		return a.runStripe(ctx, sio.stripe, func() (*dag.Dag, func(*dag.Dag) error, error) {
			d, err := a.buildRead(sio)
			return d, nil, err
		})
	})
}

// Write stores data at logical offset off.
func (a *Array) Write(ctx context.Context, off uint64, data []byte) error {
	ios, err := a.geo.split(off, data)
	if err != nil {
		return err
	}
	return a.forStripes(ctx, ios, func(ctx context.Context, sio stripeIO) error {
		return a.runStripe(ctx, sio.stripe, func() (*dag.Dag, func(*dag.Dag) error, error) {
			return a.buildWrite(sio)
		})
	})
}
