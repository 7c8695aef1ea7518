package disk

import (
	"fmt"
	"sync"

	"github.com/mit-pdos/go-raidframe/addr"
	"github.com/mit-pdos/go-raidframe/common"
	"github.com/mit-pdos/go-raidframe/util"
)

type IOType int

const (
	IORead IOType = iota
	IOWrite
	// IONop flushes the device queue and issues a Barrier.
	IONop
)

func (t IOType) String() string {
	switch t {
	case IORead:
		return "read"
	case IOWrite:
		return "write"
	case IONop:
		return "nop"
	}
	return fmt.Sprintf("IOType(%d)", int(t))
}

// Completion is invoked exactly once per issued request, from a queue
// goroutine (or inline if the request is rejected up front).
type Completion func(err error)

// Issuer is the engine's view of the physical disk layer.
type Issuer interface {
	Issue(t IOType, r addr.Region, b []byte, done Completion)
}

type request struct {
	t    IOType
	r    addr.Region
	b    []byte
	done Completion
}

type devQueue struct {
	d    Disk
	reqs chan request
	// replaced queues close their disk once drained
	replaced bool
}

// QueueDepth bounds the number of requests buffered per device before
// Issue blocks.
const QueueDepth = 256

// Set is an Issuer over a set of member devices, with one FIFO queue and one
// worker goroutine per device.
type Set struct {
	mu       *sync.RWMutex
	queues   map[common.DevId]*devQueue
	wg       *sync.WaitGroup
	shutdown bool
}

var _ Issuer = (*Set)(nil)

func MkSet() *Set {
	return &Set{
		mu:     new(sync.RWMutex),
		queues: make(map[common.DevId]*devQueue),
		wg:     new(sync.WaitGroup),
	}
}

// Attach installs d as member dev. A previous device with that id is
// drained and closed.
func (s *Set) Attach(dev common.DevId, d Disk) {
	q := &devQueue{d: d, reqs: make(chan request, QueueDepth)}
	s.mu.Lock()
	old := s.queues[dev]
	s.queues[dev] = q
	s.wg.Add(1)
	go s.worker(dev, q)
	s.mu.Unlock()
	if old != nil {
		old.replaced = true
		close(old.reqs)
	}
	util.DPrintf(1, "attach dev %d (%d bytes)\n", dev, d.Size())
}

func (s *Set) Issue(t IOType, r addr.Region, b []byte, done Completion) {
	if t != IONop && uint64(len(b)) != r.Len {
		panic(fmt.Errorf("buffer is %d bytes for region %v", len(b), r))
	}
	s.mu.RLock()
	if s.shutdown {
		s.mu.RUnlock()
		done(ErrShutdown)
		return
	}
	q, ok := s.queues[r.Dev]
	if !ok {
		s.mu.RUnlock()
		done(fmt.Errorf("%w: %d", ErrNoDevice, r.Dev))
		return
	}
	// holding the read lock keeps q.reqs open while we send
	q.reqs <- request{t: t, r: r, b: b, done: done}
	s.mu.RUnlock()
}

func (s *Set) worker(dev common.DevId, q *devQueue) {
	defer s.wg.Done()
	for req := range q.reqs {
		var err error
		switch req.t {
		case IORead:
			err = q.d.ReadAt(req.r.Off, req.b)
		case IOWrite:
			err = q.d.WriteAt(req.r.Off, req.b)
		case IONop:
			err = q.d.Barrier()
		}
		if err != nil {
			util.DPrintf(1, "dev %d: %v %v: %v\n", dev, req.t, req.r, err)
			err = fmt.Errorf("%v %v: %w", req.t, req.r, err)
		}
		req.done(err)
	}
	util.DPrintf(5, "dev %d: queue closed\n", dev)
	if q.replaced {
		if err := q.d.Close(); err != nil {
			util.DPrintf(1, "dev %d: close replaced disk: %v\n", dev, err)
		}
	}
}

// Shutdown stops accepting requests, lets every queue drain, and closes the
// member disks.
func (s *Set) Shutdown() error {
	s.mu.Lock()
	s.shutdown = true
	queues := s.queues
	s.queues = make(map[common.DevId]*devQueue)
	s.mu.Unlock()
	for _, q := range queues {
		close(q.reqs)
	}
	s.wg.Wait()
	var first error
	for _, q := range queues {
		if err := q.d.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
