package array

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mit-pdos/go-raidframe/common"
)

func raid5Geo(n int, su uint64, stripes uint64) Geometry {
	return Geometry{
		Level:      RAID5,
		NDisks:     n,
		StripeUnit: su,
		DiskSize:   su * stripes,
		Offsets:    make([]uint64, n),
	}
}

func TestLeftSymmetric(t *testing.T) {
	g := raid5Geo(4, 4096, 8)
	require.NoError(t, g.Validate())

	// parity rotates right to left; data starts just after it
	parity := []common.DevId{3, 2, 1, 0, 3}
	for s, p := range parity {
		assert.Equal(t, p, g.ParityDisk(common.RUIndex(s)), "stripe %d", s)
	}
	assert.Equal(t, common.DevId(0), g.DataDisk(0, 0))
	assert.Equal(t, common.DevId(2), g.DataDisk(0, 2))
	assert.Equal(t, common.DevId(3), g.DataDisk(1, 0))
	assert.Equal(t, common.DevId(0), g.DataDisk(1, 1))
	assert.Equal(t, common.DevId(1), g.DataDisk(3, 0))

	for s := common.RUIndex(0); s < 8; s++ {
		seen := map[common.DevId]bool{g.ParityDisk(s): true}
		for u := 0; u < g.NData(); u++ {
			d := g.DataDisk(s, u)
			assert.False(t, seen[d], "stripe %d reuses dev %d", s, d)
			seen[d] = true
		}
	}
	assert.Equal(t, uint64(8*3*4096), g.Capacity())
}

func TestGeometryValidate(t *testing.T) {
	assert.ErrorIs(t, raid5Geo(2, 4096, 8).Validate(), ErrBadGeometry)
	assert.ErrorIs(t, raid5Geo(3, 1000, 8).Validate(), ErrBadGeometry)
	assert.ErrorIs(t, raid5Geo(3, 4096, 0).Validate(), ErrBadGeometry)
	g := raid5Geo(3, 4096, 8)
	g.Offsets = nil
	assert.ErrorIs(t, g.Validate(), ErrBadGeometry)

	lvl, err := ParseLevel("raid1")
	require.NoError(t, err)
	assert.Equal(t, RAID1, lvl)
	_, err = ParseLevel("raid6")
	assert.ErrorIs(t, err, ErrBadGeometry)
}

func TestUnitRegionOffsets(t *testing.T) {
	g := raid5Geo(3, 4096, 8)
	g.Offsets = []uint64{0, 512, 1024}
	r := g.UnitRegion(2, 3, 100, 50)
	assert.Equal(t, common.DevId(2), r.Dev)
	assert.Equal(t, uint64(3*4096+100+1024), r.Off)
	assert.Equal(t, uint64(50), r.Len)
}

func TestSplit(t *testing.T) {
	g := raid5Geo(3, 4096, 8)
	// from the middle of stripe 0 unit 1 into stripe 1 unit 0
	buf := make([]byte, 4096+1024)
	ios, err := g.split(4096+3072, buf)
	require.NoError(t, err)
	require.Len(t, ios, 2)

	assert.Equal(t, common.RUIndex(0), ios[0].stripe)
	require.Len(t, ios[0].chunks, 1)
	assert.Equal(t, 1, ios[0].chunks[0].unit)
	assert.Equal(t, uint64(3072), ios[0].chunks[0].off)
	assert.Len(t, ios[0].chunks[0].data, 1024)

	assert.Equal(t, common.RUIndex(1), ios[1].stripe)
	require.Len(t, ios[1].chunks, 1)
	assert.Equal(t, 0, ios[1].chunks[0].unit)
	assert.Equal(t, uint64(0), ios[1].chunks[0].off)
	assert.Len(t, ios[1].chunks[0].data, 4096)

	// chunks alias the caller's buffer
	ios[1].chunks[0].data[0] = 7
	assert.Equal(t, byte(7), buf[1024])
}

func TestSplitCovers(t *testing.T) {
	g := raid5Geo(3, 4096, 8)
	ios, err := g.split(g.StripeBytes(), make([]byte, g.StripeBytes()))
	require.NoError(t, err)
	require.Len(t, ios, 1)
	assert.True(t, ios[0].covers(g))

	ios, err = g.split(0, make([]byte, 4096))
	require.NoError(t, err)
	assert.False(t, ios[0].covers(g))
}

func TestSplitErrors(t *testing.T) {
	g := raid5Geo(3, 4096, 8)
	_, err := g.split(100, make([]byte, 512))
	assert.ErrorIs(t, err, ErrUnaligned)
	_, err = g.split(0, make([]byte, 100))
	assert.ErrorIs(t, err, ErrUnaligned)
	_, err = g.split(g.Capacity()-512, make([]byte, 1024))
	assert.ErrorIs(t, err, ErrOutOfRange)
}
