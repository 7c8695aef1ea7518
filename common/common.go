package common

import (
	"github.com/tchajed/goose/machine/disk"
)

// DevId names one physical member disk of an array.
type DevId uint64

// RUIndex numbers a reconstruction unit: the chunk of a redundancy set
// covered by one parity value.
type RUIndex uint64

// Priority orders pending parity-log records; higher is more urgent.
type Priority uint64

// SeqNum is a monotonically increasing sequence number (DAG submission
// order, parity-log record order).
type SeqNum uint64

const (
	NULLSEQ SeqNum = 0

	// SectorSize is the granularity of member-disk I/O.
	SectorSize uint64 = 512

	// LOGBLOCKSZ is the block size of the parity-log device.
	LOGBLOCKSZ uint64 = disk.BlockSize
)
