// Package mirror selects which copy of mirrored data a read goes to.
//
// Every member device has an idle-queue counter: the number of reads the
// selector has steered to it that are still outstanding. A read goes to the
// live replica with the lowest counter; ties are broken by a rotating
// cursor so that no replica starves. Counters are updated atomically and
// the selector takes no lock on the read path.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mit-pdos/go-raidframe/addr"
	"github.com/mit-pdos/go-raidframe/common"
)

var (
	// ErrNoReplica is returned when every replica is on a failed device.
	ErrNoReplica = errors.New("mirror: no live replica")
	// ErrBadOffsets is returned by SelectPartition when the offsets do not
	// line up with the replicas.
	ErrBadOffsets = errors.New("mirror: partition offsets do not match replicas")
)

type devState struct {
	depth  atomic.Int64
	failed atomic.Bool
}

// Selector tracks per-device outstanding reads. It is shared by every DAG
// of an array.
type Selector struct {
	mu     sync.RWMutex
	devs   map[common.DevId]*devState
	cursor atomic.Uint64
}

func New() *Selector {
	return &Selector{devs: make(map[common.DevId]*devState)}
}

func (s *Selector) dev(d common.DevId) *devState {
	s.mu.RLock()
	st, ok := s.devs[d]
	s.mu.RUnlock()
	if ok {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.devs[d]; !ok {
		st = new(devState)
		s.devs[d] = st
	}
	return st
}

// Begin counts a read outstanding on dev.
func (s *Selector) Begin(dev common.DevId) {
	s.dev(dev).depth.Add(1)
}

// End retires a read started with Begin.
func (s *Selector) End(dev common.DevId) {
	if s.dev(dev).depth.Add(-1) < 0 {
		panic(fmt.Errorf("mirror: dev %d: End without Begin", dev))
	}
}

// Depth returns the number of outstanding reads on dev.
func (s *Selector) Depth(dev common.DevId) int64 {
	return s.dev(dev).depth.Load()
}

// MarkFailed excludes dev from (or, with failed false, returns it to)
// selection.
func (s *Selector) MarkFailed(dev common.DevId, failed bool) {
	s.dev(dev).failed.Store(failed)
}

func (s *Selector) Failed(dev common.DevId) bool {
	return s.dev(dev).failed.Load()
}

// Select returns the index of the replica with the lowest counter.
func (s *Selector) Select(replicas []addr.Region) (int, error) {
	i, _, err := s.choose(replicas)
	return i, err
}

// choose is Select, also returning the counter value it chose on.
func (s *Selector) choose(replicas []addr.Region) (int, int64, error) {
	best := int64(-1)
	var ties []int
	for i, r := range replicas {
		st := s.dev(r.Dev)
		if st.failed.Load() {
			continue
		}
		d := st.depth.Load()
		switch {
		case best < 0 || d < best:
			best = d
			ties = append(ties[:0], i)
		case d == best:
			ties = append(ties, i)
		}
	}
	if len(ties) == 0 {
		return -1, 0, ErrNoReplica
	}
	if len(ties) == 1 {
		return ties[0], best, nil
	}
	c := s.cursor.Add(1) - 1
	return ties[c%uint64(len(ties))], best, nil
}

// Pick selects a replica as Select does and counts a read on it in the same
// step: the chosen counter only moves if nobody changed it since it was
// compared, otherwise the choice is made again. The caller must End the
// read.
func (s *Selector) Pick(replicas []addr.Region) (int, error) {
	for {
		i, depth, err := s.choose(replicas)
		if err != nil {
			return -1, err
		}
		if s.dev(replicas[i].Dev).depth.CompareAndSwap(depth, depth+1) {
			return i, nil
		}
	}
}

// SelectPartition is Select for replicas that are not laid out identically:
// offsets[i] is added to replicas[i] before it is returned.
func (s *Selector) SelectPartition(replicas []addr.Region, offsets []uint64) (int, addr.Region, error) {
	return s.partition(s.Select, replicas, offsets)
}

// PickPartition is Pick for replicas that are not laid out identically.
func (s *Selector) PickPartition(replicas []addr.Region, offsets []uint64) (int, addr.Region, error) {
	return s.partition(s.Pick, replicas, offsets)
}

func (s *Selector) partition(sel func([]addr.Region) (int, error),
	replicas []addr.Region, offsets []uint64) (int, addr.Region, error) {
	if len(offsets) != len(replicas) {
		return -1, addr.Region{}, fmt.Errorf("%w: %d offsets for %d replicas",
			ErrBadOffsets, len(offsets), len(replicas))
	}
	i, err := sel(replicas)
	if err != nil {
		return -1, addr.Region{}, err
	}
	return i, replicas[i].Shift(offsets[i]), nil
}

// RegisterMetrics exports every device counter as an observable gauge.
func (s *Selector) RegisterMetrics(meter metric.Meter) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge(
		"raid_mirror_queue_depth",
		metric.WithDescription("Outstanding mirror reads per member device"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create mirror_queue_depth: %w", err)
	}
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for dev, st := range s.devs {
			o.ObserveInt64(gauge, st.depth.Load(),
				metric.WithAttributes(
					attribute.String("dev", strconv.FormatUint(uint64(dev), 10)),
					attribute.Bool("failed", st.failed.Load()),
				))
		}
		return nil
	}, gauge)
}
