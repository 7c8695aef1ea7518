package plog

import (
	"fmt"
	"sync"

	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-raidframe/util"
)

//  The on-disk layout of a CircularStore:
//
//  [ hdr | area 0 ................ | area 1 ................ ]
//    0     1                         1+areaBlocks
//
//  The header names the active area and how many records it holds.
//  Appends write records into the active area and then install the new
//  count with a single header write. Compaction writes the live records
//  into the inactive area and then flips the header, so a crash at any
//  point leaves either the old or the new contents intact.

const (
	LOGHDR   = uint64(0)
	LOGSTART = uint64(1)

	circMagic = uint64(0x706c6f6772616964)
)

type hdr struct {
	gen    uint64
	active uint64
	count  uint64
}

func decodeHdr(b disk.Block) (hdr, bool) {
	dec := marshal.NewDec(b)
	if dec.GetInt() != circMagic {
		return hdr{}, false
	}
	return hdr{gen: dec.GetInt(), active: dec.GetInt(), count: dec.GetInt()}, true
}

func (h hdr) encode() disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(circMagic)
	enc.PutInt(h.gen)
	enc.PutInt(h.active)
	enc.PutInt(h.count)
	return enc.Finish()
}

// CircularStore is a Store on a goose block disk.
type CircularStore struct {
	mu         *sync.Mutex
	d          disk.Disk
	h          hdr
	areaBlocks uint64
}

// NewCircularStore takes ownership of d, formatting it if it carries no
// log header.
func NewCircularStore(d disk.Disk) (*CircularStore, error) {
	if d.Size() < LOGSTART+2 {
		return nil, fmt.Errorf("plog: disk of %d blocks too small for a log", d.Size())
	}
	s := &CircularStore{
		mu:         new(sync.Mutex),
		d:          d,
		areaBlocks: (d.Size() - LOGSTART) / 2,
	}
	h, ok := decodeHdr(d.Read(LOGHDR))
	if !ok {
		util.DPrintf(1, "NewCircularStore: formatting %d blocks\n", d.Size())
		h = hdr{}
		d.Write(LOGHDR, h.encode())
		d.Barrier()
	}
	if h.active > 1 || h.count > s.Capacity() {
		return nil, fmt.Errorf("%w: header active=%d count=%d", ErrCorrupt, h.active, h.count)
	}
	s.h = h
	return s, nil
}

// Capacity is the number of records one area holds.
func (s *CircularStore) Capacity() uint64 {
	return s.areaBlocks * RECPERBLK
}

func (s *CircularStore) areaStart(area uint64) uint64 {
	return LOGSTART + area*s.areaBlocks
}

// writeRecs writes recs into area starting at record position pos.
func (s *CircularStore) writeRecs(area uint64, pos uint64, recs []Record) {
	start := s.areaStart(area)
	for len(recs) > 0 {
		bn := start + pos/RECPERBLK
		slot := pos % RECPERBLK
		var blk disk.Block
		if slot == 0 {
			blk = make(disk.Block, disk.BlockSize)
		} else {
			blk = s.d.Read(bn)
		}
		n := util.Min(RECPERBLK-slot, uint64(len(recs)))
		for i := uint64(0); i < n; i++ {
			copy(blk[(slot+i)*RECSZ:], recs[i].encode())
		}
		util.DPrintf(5, "writeRecs: %d records to block %d slot %d\n", n, bn, slot)
		s.d.Write(bn, blk)
		recs = recs[n:]
		pos += n
	}
}

func (s *CircularStore) installHdr(h hdr) {
	s.d.Write(LOGHDR, h.encode())
	s.d.Barrier()
	s.h = h
}

func (s *CircularStore) Append(recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.count+uint64(len(recs)) > s.Capacity() {
		return ErrLogFull
	}
	s.writeRecs(s.h.active, s.h.count, recs)
	s.d.Barrier()
	h := s.h
	h.count += uint64(len(recs))
	s.installHdr(h)
	return nil
}

func (s *CircularStore) Compact(live []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(len(live)) > s.Capacity() {
		return ErrLogFull
	}
	target := 1 - s.h.active
	s.writeRecs(target, 0, live)
	s.d.Barrier()
	util.DPrintf(1, "Compact: %d live records to area %d\n", len(live), target)
	s.installHdr(hdr{gen: s.h.gen + 1, active: target, count: uint64(len(live))})
	return nil
}

func (s *CircularStore) Replay(f func(Record) error) error {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	start := s.areaStart(h.active)
	var blk disk.Block
	for pos := uint64(0); pos < h.count; pos++ {
		slot := pos % RECPERBLK
		if slot == 0 || blk == nil {
			blk = s.d.Read(start + pos/RECPERBLK)
		}
		r, err := decodeRecord(blk[slot*RECSZ : (slot+1)*RECSZ])
		if err != nil {
			return fmt.Errorf("record %d of area %d: %w", pos, h.active, err)
		}
		if err := f(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *CircularStore) Close() error {
	s.d.Close()
	return nil
}
