package util

import (
	"log"
	"os"
	"strconv"
)

// Debug is the highest DPrintf level that is printed. RAIDFRAME_DEBUG
// overrides it at startup.
var Debug uint64 = 0

func init() {
	if v, err := strconv.ParseUint(os.Getenv("RAIDFRAME_DEBUG"), 10, 64); err == nil {
		Debug = v
	}
}

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		log.Printf(format, a...)
	}
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

func Max(n uint64, m uint64) uint64 {
	if n > m {
		return n
	} else {
		return m
	}
}

// SumOverflows reports whether a + b wraps around 2^64.
func SumOverflows(a uint64, b uint64) bool {
	return a+b < a
}

// Zero clears b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
