// Package disk is the physical disk layer under the DAG engine.
//
// A Disk reads and writes byte ranges of one member device. An Issuer
// accepts region I/O requests for any member and reports completion through
// a callback, never by blocking the caller until the I/O is done.
package disk

import (
	"errors"

	"github.com/mit-pdos/go-raidframe/util"
)

var (
	ErrOutOfRange   = errors.New("disk: access out of range")
	ErrDeviceFailed = errors.New("disk: device failed")
	ErrNoDevice     = errors.New("disk: no such device")
	ErrShutdown     = errors.New("disk: issuer shut down")
)

// Disk provides access to one member device.
type Disk interface {
	// ReadAt fills b from byte offset off.
	//
	// Expects off+len(b) <= Size().
	ReadAt(off uint64, b []byte) error

	// WriteAt writes b at byte offset off.
	//
	// Expects off+len(b) <= Size().
	WriteAt(off uint64, b []byte) error

	// Size reports how big the disk is, in bytes
	Size() uint64

	// Barrier ensures data is persisted.
	//
	// When it returns, all outstanding writes are guaranteed to be durably on
	// disk
	Barrier() error

	// Close releases any resources used by the disk and makes it unusable.
	Close() error
}

func checkRange(d Disk, off uint64, n int) error {
	if util.SumOverflows(off, uint64(n)) || off+uint64(n) > d.Size() {
		return ErrOutOfRange
	}
	return nil
}
