package plog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
	"github.com/tchajed/marshal"

	"github.com/mit-pdos/go-raidframe/addr"
	"github.com/mit-pdos/go-raidframe/common"
)

// Op is the operation a parity-log record carries.
type Op uint64

const (
	OpInvalid Op = iota
	// OpUpdate marks part of a unit's parity as needing an incremental fix.
	OpUpdate
	// OpOverwrite marks a unit's parity as being fully rewritten.
	OpOverwrite
	// OpCancel withdraws the contribution of an earlier record (Ref).
	OpCancel
	// OpRetire drops every pending contribution of a unit.
	OpRetire
)

func (op Op) String() string {
	switch op {
	case OpUpdate:
		return "update"
	case OpOverwrite:
		return "overwrite"
	case OpCancel:
		return "cancel"
	case OpRetire:
		return "retire"
	}
	return fmt.Sprintf("op(%d)", uint64(op))
}

// Record is one entry of the parity log. Update and overwrite records are
// contributions to a unit's pending state; cancel and retire records only
// ever remove contributions.
type Record struct {
	Seq      common.SeqNum
	RU       common.RUIndex
	Priority common.Priority
	Op       Op
	Region   addr.Region
	Owner    uuid.UUID
	Ref      common.SeqNum
}

func (r Record) String() string {
	switch r.Op {
	case OpCancel:
		return fmt.Sprintf("#%d cancel ru=%d ref=%d", r.Seq, r.RU, r.Ref)
	case OpRetire:
		return fmt.Sprintf("#%d retire ru=%d", r.Seq, r.RU)
	}
	return fmt.Sprintf("#%d %v ru=%d prio=%d %v owner=%v",
		r.Seq, r.Op, r.RU, r.Priority, r.Region, r.Owner)
}

const (
	recWords = 11
	// RECSZ is the encoded size of a record.
	RECSZ = recWords * 8
	// RECPERBLK is the number of records packed into one log block.
	RECPERBLK = common.LOGBLOCKSZ / RECSZ
)

// encode lays a record out as fixed-size little-endian words, the last of
// which is a checksum over the others.
func (r Record) encode() []byte {
	enc := marshal.NewEnc(RECSZ - 8)
	enc.PutInt(uint64(r.Seq))
	enc.PutInt(uint64(r.RU))
	enc.PutInt(uint64(r.Priority))
	enc.PutInt(uint64(r.Op))
	enc.PutInt(uint64(r.Region.Dev))
	enc.PutInt(r.Region.Off)
	enc.PutInt(r.Region.Len)
	enc.PutInt(binary.BigEndian.Uint64(r.Owner[:8]))
	enc.PutInt(binary.BigEndian.Uint64(r.Owner[8:]))
	enc.PutInt(uint64(r.Ref))
	body := enc.Finish()

	out := make([]byte, RECSZ)
	copy(out, body)
	binary.LittleEndian.PutUint64(out[RECSZ-8:], uint64(crc32.ChecksumIEEE(body)))
	return out
}

func decodeRecord(b []byte) (Record, error) {
	if uint64(len(b)) < RECSZ {
		return Record{}, fmt.Errorf("%w: short record (%d bytes)", ErrCorrupt, len(b))
	}
	body := b[:RECSZ-8]
	sum := binary.LittleEndian.Uint64(b[RECSZ-8 : RECSZ])
	if uint64(crc32.ChecksumIEEE(body)) != sum {
		return Record{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	dec := marshal.NewDec(body)
	var r Record
	r.Seq = common.SeqNum(dec.GetInt())
	r.RU = common.RUIndex(dec.GetInt())
	r.Priority = common.Priority(dec.GetInt())
	r.Op = Op(dec.GetInt())
	r.Region.Dev = common.DevId(dec.GetInt())
	r.Region.Off = dec.GetInt()
	r.Region.Len = dec.GetInt()
	binary.BigEndian.PutUint64(r.Owner[:8], dec.GetInt())
	binary.BigEndian.PutUint64(r.Owner[8:], dec.GetInt())
	r.Ref = common.SeqNum(dec.GetInt())
	if r.Op == OpInvalid || r.Op > OpRetire {
		return Record{}, fmt.Errorf("%w: bad op %d", ErrCorrupt, uint64(r.Op))
	}
	return r, nil
}
