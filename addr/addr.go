package addr

import (
	"fmt"

	"github.com/mit-pdos/go-raidframe/common"
)

// Region identifies a byte range on one member disk.
//
// Regions are values; nodes own the regions they address and never mutate
// them after the DAG is built.
type Region struct {
	Dev common.DevId
	Off uint64 // byte offset
	Len uint64 // byte length
}

func MkRegion(dev common.DevId, off uint64, len uint64) Region {
	return Region{Dev: dev, Off: off, Len: len}
}

func (r Region) End() uint64 {
	return r.Off + r.Len
}

// Shift returns the same extent moved by delta bytes, for replicas laid out
// at a partition offset.
func (r Region) Shift(delta uint64) Region {
	return Region{Dev: r.Dev, Off: r.Off + delta, Len: r.Len}
}

func (r Region) Overlaps(o Region) bool {
	return r.Dev == o.Dev && r.Off < o.End() && o.Off < r.End()
}

// Union returns the smallest extent covering both regions. Both must be on
// the same device.
func (r Region) Union(o Region) Region {
	if r.Dev != o.Dev {
		panic("Union across devices")
	}
	if r.Len == 0 {
		return o
	}
	if o.Len == 0 {
		return r
	}
	off := r.Off
	if o.Off < off {
		off = o.Off
	}
	end := r.End()
	if o.End() > end {
		end = o.End()
	}
	return Region{Dev: r.Dev, Off: off, Len: end - off}
}

func (r Region) String() string {
	return fmt.Sprintf("d%d[%d+%d]", r.Dev, r.Off, r.Len)
}
