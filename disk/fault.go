package disk

import (
	"sync"
)

var _ Disk = (*FaultDisk)(nil)

// FaultDisk wraps a Disk and injects failures: the whole device can be
// failed, or individual offsets can be made to fail once.
type FaultDisk struct {
	Disk

	mu         *sync.Mutex
	failed     bool
	readFaults map[uint64]bool
	writeFault map[uint64]bool
	nreads     uint64
	nwrites    uint64
	barrierFault bool
	// writes since the last successful barrier
	unsynced  uint64
	nbarriers uint64
}

func NewFaultDisk(d Disk) *FaultDisk {
	return &FaultDisk{
		Disk:       d,
		mu:         new(sync.Mutex),
		readFaults: make(map[uint64]bool),
		writeFault: make(map[uint64]bool),
	}
}

// SetFailed makes every subsequent access fail (or succeed again).
func (d *FaultDisk) SetFailed(failed bool) {
	d.mu.Lock()
	d.failed = failed
	d.mu.Unlock()
}

func (d *FaultDisk) Failed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failed
}

// FailReadAt makes the next read starting at off fail.
func (d *FaultDisk) FailReadAt(off uint64) {
	d.mu.Lock()
	d.readFaults[off] = true
	d.mu.Unlock()
}

// FailWriteAt makes the next write starting at off fail.
func (d *FaultDisk) FailWriteAt(off uint64) {
	d.mu.Lock()
	d.writeFault[off] = true
	d.mu.Unlock()
}

// Counts returns the number of reads and writes that reached the device.
func (d *FaultDisk) Counts() (uint64, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nreads, d.nwrites
}

func (d *FaultDisk) ReadAt(off uint64, b []byte) error {
	d.mu.Lock()
	fail := d.failed || d.readFaults[off]
	delete(d.readFaults, off)
	if !fail {
		d.nreads++
	}
	d.mu.Unlock()
	if fail {
		return ErrDeviceFailed
	}
	return d.Disk.ReadAt(off, b)
}

func (d *FaultDisk) WriteAt(off uint64, b []byte) error {
	d.mu.Lock()
	fail := d.failed || d.writeFault[off]
	delete(d.writeFault, off)
	if !fail {
		d.nwrites++
	}
	d.mu.Unlock()
	if fail {
		return ErrDeviceFailed
	}
	if err := d.Disk.WriteAt(off, b); err != nil {
		return err
	}
	d.mu.Lock()
	d.unsynced++
	d.mu.Unlock()
	return nil
}

// FailBarrier makes the next barrier fail.
func (d *FaultDisk) FailBarrier() {
	d.mu.Lock()
	d.barrierFault = true
	d.mu.Unlock()
}

func (d *FaultDisk) Barrier() error {
	d.mu.Lock()
	fail := d.failed || d.barrierFault
	d.barrierFault = false
	d.mu.Unlock()
	if fail {
		return ErrDeviceFailed
	}
	if err := d.Disk.Barrier(); err != nil {
		return err
	}
	d.mu.Lock()
	d.unsynced = 0
	d.nbarriers++
	d.mu.Unlock()
	return nil
}

// Unsynced returns the number of writes not yet covered by a barrier, and
// the number of barriers so far.
func (d *FaultDisk) Unsynced() (uint64, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unsynced, d.nbarriers
}
