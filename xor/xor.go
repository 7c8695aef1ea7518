// Package xor implements the buffer-combination primitives used for parity
// computation and for regenerating a lost member of a redundancy set.
//
// Every function here is a fold of XOR over equal-length buffers, so results
// are independent of operand order, and folding a buffer in twice cancels it.
package xor

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrLengthMismatch = errors.New("xor: buffer lengths differ")
	ErrNoSources      = errors.New("xor: no source buffers")
	ErrBadMissing     = errors.New("xor: reconstruction needs exactly one missing member")
)

const wordSize = 8

func checkLen(n int, bufs ...[]byte) {
	for _, b := range bufs {
		if len(b) < n {
			panic(fmt.Errorf("xor of %d bytes over a %d-byte buffer", n, len(b)))
		}
	}
}

// BXor computes dst[i] ^= src[i] for the first n bytes.
func BXor(src []byte, dst []byte, n int) {
	checkLen(n, src, dst)
	for i := 0; i < n; i++ {
		dst[i] ^= src[i]
	}
}

// WordXor is BXor at 64-bit word granularity, with a byte-wise tail for any
// remainder.
func WordXor(src []byte, dst []byte, n int) {
	checkLen(n, src, dst)
	words := n - n%wordSize
	for i := 0; i < words; i += wordSize {
		v := binary.LittleEndian.Uint64(dst[i:]) ^ binary.LittleEndian.Uint64(src[i:])
		binary.LittleEndian.PutUint64(dst[i:], v)
	}
	for i := words; i < n; i++ {
		dst[i] ^= src[i]
	}
}

// Xor3 computes dst = a ^ b ^ c over the first n bytes in a single pass. dst
// may alias any of the sources.
func Xor3(dst []byte, a []byte, b []byte, c []byte, n int) {
	checkLen(n, dst, a, b, c)
	words := n - n%wordSize
	for i := 0; i < words; i += wordSize {
		v := binary.LittleEndian.Uint64(a[i:]) ^
			binary.LittleEndian.Uint64(b[i:]) ^
			binary.LittleEndian.Uint64(c[i:])
		binary.LittleEndian.PutUint64(dst[i:], v)
	}
	for i := words; i < n; i++ {
		dst[i] = a[i] ^ b[i] ^ c[i]
	}
}

// XorInto folds one more source into an accumulating buffer.
func XorInto(dst []byte, src []byte) error {
	if len(dst) != len(src) {
		return ErrLengthMismatch
	}
	WordXor(src, dst, len(dst))
	return nil
}

// FoldInto overwrites dst with the XOR of srcs. dst may be one of srcs.
func FoldInto(dst []byte, srcs [][]byte) error {
	if len(srcs) == 0 {
		return ErrNoSources
	}
	for _, s := range srcs {
		if len(s) != len(dst) {
			return ErrLengthMismatch
		}
	}
	acc := make([]byte, len(dst))
	for _, s := range srcs {
		WordXor(s, acc, len(acc))
	}
	copy(dst, acc)
	return nil
}

// Fold returns the XOR of srcs in a new buffer.
func Fold(srcs [][]byte) ([]byte, error) {
	if len(srcs) == 0 {
		return nil, ErrNoSources
	}
	dst := make([]byte, len(srcs[0]))
	if err := FoldInto(dst, srcs); err != nil {
		return nil, err
	}
	return dst, nil
}

// ReconstructInto regenerates member missing of a single-fault-tolerant
// redundancy set into dst. members holds all k members of the set with
// members[missing] == nil; the surviving buffers are not modified.
func ReconstructInto(dst []byte, missing int, members [][]byte) error {
	if missing < 0 || missing >= len(members) || members[missing] != nil {
		return ErrBadMissing
	}
	survivors := make([][]byte, 0, len(members)-1)
	for i, m := range members {
		if i == missing {
			continue
		}
		if m == nil {
			return ErrBadMissing
		}
		survivors = append(survivors, m)
	}
	if len(survivors) == 0 {
		return ErrNoSources
	}
	return FoldInto(dst, survivors)
}

// Reconstruct is ReconstructInto with a freshly allocated result.
func Reconstruct(missing int, members [][]byte) ([]byte, error) {
	var n int
	for _, m := range members {
		if m != nil {
			n = len(m)
			break
		}
	}
	dst := make([]byte, n)
	if err := ReconstructInto(dst, missing, members); err != nil {
		return nil, err
	}
	return dst, nil
}
