package array

import (
	"errors"
	"fmt"

	"github.com/mit-pdos/go-raidframe/addr"
	"github.com/mit-pdos/go-raidframe/common"
	"github.com/mit-pdos/go-raidframe/util"
)

type Level int

const (
	RAID1 Level = 1
	RAID5 Level = 5
)

func (l Level) String() string {
	return fmt.Sprintf("raid%d", int(l))
}

func ParseLevel(s string) (Level, error) {
	switch s {
	case "raid1":
		return RAID1, nil
	case "raid5":
		return RAID5, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrBadGeometry, s)
}

var (
	ErrBadGeometry = errors.New("array: bad geometry")
	ErrOutOfRange  = errors.New("array: request out of range")
	ErrUnaligned   = errors.New("array: request not sector aligned")
)

// Geometry maps logical array offsets onto member disks.
//
// RAID5 uses the left-symmetric layout: stripe s keeps its parity unit on
// disk n-1-(s mod n) and its data units on the following disks, wrapping
// around. Each stripe is one reconstruction unit. RAID1 keeps a full copy
// on every member; a "stripe" there is just one stripe-unit-sized chunk.
type Geometry struct {
	Level      Level
	NDisks     int
	StripeUnit uint64
	// DiskSize is the usable size of every member, after its offset.
	DiskSize uint64
	// Offsets[d] is where the array's data starts on member d.
	Offsets []uint64
}

func (g Geometry) Validate() error {
	switch {
	case g.Level != RAID1 && g.Level != RAID5:
		return fmt.Errorf("%w: level %d", ErrBadGeometry, g.Level)
	case g.Level == RAID1 && g.NDisks < 2, g.Level == RAID5 && g.NDisks < 3:
		return fmt.Errorf("%w: %v with %d disks", ErrBadGeometry, g.Level, g.NDisks)
	case g.StripeUnit == 0 || g.StripeUnit%common.SectorSize != 0:
		return fmt.Errorf("%w: stripe unit %d", ErrBadGeometry, g.StripeUnit)
	case len(g.Offsets) != g.NDisks:
		return fmt.Errorf("%w: %d offsets for %d disks", ErrBadGeometry, len(g.Offsets), g.NDisks)
	case g.NStripes() == 0:
		return fmt.Errorf("%w: disks smaller than one stripe unit", ErrBadGeometry)
	}
	return nil
}

// NData is the number of data units per stripe.
func (g Geometry) NData() int {
	if g.Level == RAID5 {
		return g.NDisks - 1
	}
	return 1
}

func (g Geometry) NStripes() uint64 {
	return g.DiskSize / g.StripeUnit
}

func (g Geometry) StripeBytes() uint64 {
	return uint64(g.NData()) * g.StripeUnit
}

// Capacity is the logical size of the array.
func (g Geometry) Capacity() uint64 {
	return g.NStripes() * g.StripeBytes()
}

// ParityDisk is the member holding stripe s's parity.
func (g Geometry) ParityDisk(s common.RUIndex) common.DevId {
	n := uint64(g.NDisks)
	return common.DevId(n - 1 - uint64(s)%n)
}

// DataDisk is the member holding data unit u of stripe s.
func (g Geometry) DataDisk(s common.RUIndex, u int) common.DevId {
	if g.Level == RAID1 {
		panic("DataDisk on a mirror")
	}
	p := uint64(g.ParityDisk(s))
	return common.DevId((p + 1 + uint64(u)) % uint64(g.NDisks))
}

// UnitRegion is the member region of stripe s on dev, restricted to
// [off, off+n) within the unit.
func (g Geometry) UnitRegion(dev common.DevId, s common.RUIndex, off uint64, n uint64) addr.Region {
	return addr.MkRegion(dev, uint64(s)*g.StripeUnit+off, n).Shift(g.Offsets[dev])
}

// chunk is the part of a request that falls into one data unit.
type chunk struct {
	unit int
	off  uint64 // within the unit
	data []byte // slice of the caller's buffer
}

func (c chunk) end() uint64 {
	return c.off + uint64(len(c.data))
}

// stripeIO is the part of a request that falls into one stripe.
type stripeIO struct {
	stripe common.RUIndex
	chunks []chunk
}

// covers reports whether the stripe's chunks overwrite every data unit.
func (s stripeIO) covers(g Geometry) bool {
	if len(s.chunks) != g.NData() {
		return false
	}
	for _, c := range s.chunks {
		if c.off != 0 || uint64(len(c.data)) != g.StripeUnit {
			return false
		}
	}
	return true
}

// split cuts the request [off, off+len(buf)) into per-stripe pieces.
func (g Geometry) split(off uint64, buf []byte) ([]stripeIO, error) {
	n := uint64(len(buf))
	if off%common.SectorSize != 0 || n%common.SectorSize != 0 {
		return nil, fmt.Errorf("%w: %d+%d", ErrUnaligned, off, n)
	}
	if util.SumOverflows(off, n) || off+n > g.Capacity() {
		return nil, fmt.Errorf("%w: %d+%d beyond %d", ErrOutOfRange, off, n, g.Capacity())
	}
	var ios []stripeIO
	sb := g.StripeBytes()
	for pos := uint64(0); pos < n; {
		lo := off + pos
		s := common.RUIndex(lo / sb)
		within := lo % sb
		u := int(within / g.StripeUnit)
		uoff := within % g.StripeUnit
		take := g.StripeUnit - uoff
		if take > n-pos {
			take = n - pos
		}
		c := chunk{unit: u, off: uoff, data: buf[pos : pos+take]}
		if len(ios) == 0 || ios[len(ios)-1].stripe != s {
			ios = append(ios, stripeIO{stripe: s})
		}
		last := &ios[len(ios)-1]
		last.chunks = append(last.chunks, c)
		pos += take
	}
	return ios, nil
}
