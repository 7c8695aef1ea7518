package disk

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-raidframe/util"
)

var _ Disk = (*FileDisk)(nil)

// FileDisk is a member device backed by a file or block device.
type FileDisk struct {
	fd   int
	size uint64
}

// NewFileDisk opens (creating if needed) path and, for regular files, sizes
// it to exactly size bytes.
func NewFileDisk(path string, size uint64) (*FileDisk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	var stat unix.Stat_t
	err = unix.Fstat(fd, &stat)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if (stat.Mode&unix.S_IFMT) == unix.S_IFREG && uint64(stat.Size) != size {
		err = unix.Ftruncate(fd, int64(size))
		if err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("truncate %s: %w", path, err)
		}
	}
	return &FileDisk{fd: fd, size: size}, nil
}

func (d *FileDisk) ReadAt(off uint64, buf []byte) error {
	if err := checkRange(d, off, len(buf)); err != nil {
		return err
	}
	for done := 0; done < len(buf); {
		n, err := unix.Pread(d.fd, buf[done:], int64(off)+int64(done))
		if err != nil {
			return fmt.Errorf("pread at %d: %w", off, err)
		}
		if n == 0 {
			// hole past the end of a sparse file
			util.Zero(buf[done:])
			break
		}
		done += n
	}
	util.DPrintf(10, "read: %d+%d\n", off, len(buf))
	return nil
}

func (d *FileDisk) WriteAt(off uint64, v []byte) error {
	if err := checkRange(d, off, len(v)); err != nil {
		return err
	}
	for done := 0; done < len(v); {
		n, err := unix.Pwrite(d.fd, v[done:], int64(off)+int64(done))
		if err != nil {
			return fmt.Errorf("pwrite at %d: %w", off, err)
		}
		done += n
	}
	util.DPrintf(10, "write: %d+%d\n", off, len(v))
	return nil
}

func (d *FileDisk) Size() uint64 {
	return d.size
}

func (d *FileDisk) Barrier() error {
	// NOTE: on macOS, this flushes to the drive but doesn't actually issue a
	// disk barrier; see https://golang.org/src/internal/poll/fd_fsync_darwin.go
	// for more details. The correct replacement is to issue a fcntl syscall with
	// cmd F_FULLFSYNC.
	err := unix.Fsync(d.fd)
	if err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	util.DPrintf(10, "barrier\n")
	return nil
}

func (d *FileDisk) Close() error {
	return unix.Close(d.fd)
}

/////////////////////////

var _ Disk = (*MemDisk)(nil)

// MemDisk is a volatile member device, used in tests and for scratch arrays.
type MemDisk struct {
	l    *sync.RWMutex
	data []byte
}

func NewMemDisk(size uint64) *MemDisk {
	return &MemDisk{l: new(sync.RWMutex), data: make([]byte, size)}
}

func (d *MemDisk) ReadAt(off uint64, buf []byte) error {
	if err := checkRange(d, off, len(buf)); err != nil {
		return err
	}
	d.l.RLock()
	defer d.l.RUnlock()
	copy(buf, d.data[off:])
	return nil
}

func (d *MemDisk) WriteAt(off uint64, v []byte) error {
	if err := checkRange(d, off, len(v)); err != nil {
		return err
	}
	d.l.Lock()
	defer d.l.Unlock()
	copy(d.data[off:], v)
	return nil
}

func (d *MemDisk) Size() uint64 {
	// this never changes so we assume it's safe to run lock-free
	return uint64(len(d.data))
}

func (d *MemDisk) Barrier() error { return nil }

func (d *MemDisk) Close() error { return nil }
