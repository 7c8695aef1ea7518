package engine

import (
	"context"
	"fmt"

	"github.com/mit-pdos/go-raidframe/addr"
	"github.com/mit-pdos/go-raidframe/dag"
	"github.com/mit-pdos/go-raidframe/disk"
	"github.com/mit-pdos/go-raidframe/util"
	"github.com/mit-pdos/go-raidframe/xor"
)

// dispatch starts n's operation. complete is called exactly once, either
// inline (pure in-memory kinds, rejected requests) or later from the disk
// layer or a parity-log goroutine.
func (e *Engine) dispatch(ctx context.Context, d *dag.Dag, n *dag.Node, complete func(error)) {
	switch p := n.Params.(type) {
	case dag.TerminateParams, dag.NullParams:
		complete(nil)

	case dag.DiskParams:
		switch n.Kind {
		case dag.KindDiskRead, dag.KindDiskReadUndo:
			e.io.Issue(disk.IORead, p.Region, p.Buf, complete)
		case dag.KindDiskWrite:
			e.io.Issue(disk.IOWrite, p.Region, p.Buf, complete)
		default:
			panic(fmt.Errorf("dispatch %v: disk params", n))
		}

	case dag.XorParams:
		complete(runXor(n.Kind, p))

	case dag.RecoveryParams:
		complete(xor.ReconstructInto(p.Dst, p.Missing, p.Members))

	case dag.LogParams:
		if e.plog == nil {
			complete(ErrNoParityLog)
			return
		}
		go func() {
			var err error
			if n.Kind == dag.KindLogOverwrite {
				n.LogSeq, err = e.plog.Overwrite(d.ID, p.RU, p.Priority, p.Region)
			} else {
				n.LogSeq, err = e.plog.Update(d.ID, p.RU, p.Priority, p.Region)
			}
			complete(err)
		}()

	case dag.MirrorParams:
		var r addr.Region
		var err error
		if n.Kind == dag.KindMirrorPartitionRead {
			n.Replica, r, err = e.mirror.PickPartition(p.Replicas, p.Offsets)
		} else {
			n.Replica, err = e.mirror.Pick(p.Replicas)
			if err == nil {
				r = p.Replicas[n.Replica]
			}
		}
		if err != nil {
			complete(err)
			return
		}
		e.io.Issue(disk.IORead, r, p.Buf, func(err error) {
			e.mirror.End(r.Dev)
			complete(err)
		})

	default:
		panic(fmt.Errorf("dispatch %v: unknown params %T", n, n.Params))
	}
}

func runXor(kind dag.Kind, p dag.XorParams) error {
	switch kind {
	case dag.KindSimpleXor:
		for _, src := range p.Srcs {
			if err := xor.XorInto(p.Dst, src); err != nil {
				return err
			}
		}
		return nil
	case dag.KindRegularXor:
		if len(p.Srcs) == 3 && len(p.Dst) == len(p.Srcs[0]) &&
			len(p.Dst) == len(p.Srcs[1]) && len(p.Dst) == len(p.Srcs[2]) {
			xor.Xor3(p.Dst, p.Srcs[0], p.Srcs[1], p.Srcs[2], len(p.Dst))
			return nil
		}
		return xor.FoldInto(p.Dst, p.Srcs)
	}
	panic(fmt.Errorf("xor params on %v", kind))
}

// undo reverses a succeeded node. It runs on the DAG goroutine and waits
// for any I/O it issues. Once an earlier undo of the unwind has failed
// (degraded), parity-log records are kept so resync still finds the stripe.
func (e *Engine) undo(ctx context.Context, d *dag.Dag, n *dag.Node, degraded bool) error {
	switch p := n.Params.(type) {
	case dag.DiskParams:
		switch n.Kind {
		case dag.KindDiskRead:
			util.Zero(p.Buf)
		case dag.KindDiskWrite:
			if p.PreImage != nil {
				return e.issueWait(ctx, disk.IOWrite, p.Region, p.PreImage)
			}
		}
		return nil

	case dag.MirrorParams:
		util.Zero(p.Buf)
		return nil

	case dag.LogParams:
		if degraded {
			return ErrLogRecordKept
		}
		if n.Kind == dag.KindLogOverwrite {
			return e.plog.UndoOverwrite(p.RU, n.LogSeq)
		}
		return e.plog.UndoUpdate(p.RU, n.LogSeq)
	}
	// xor, recovery, null and terminate have nothing to reverse
	return nil
}

func (e *Engine) issueWait(ctx context.Context, t disk.IOType, r addr.Region, b []byte) error {
	done := make(chan error, 1)
	e.io.Issue(t, r, b, func(err error) { done <- err })
	return <-done
}
