/*
NAME
  memcopy.go

DESCRIPTION
  memcopy provides the streaming-load and regular copy primitives used by
  the worker pool's wide plane-copy task, and the 16-byte-aligned block
  splitter that divides a byte range across N workers.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package memcopy provides aligned byte-range copy primitives for
// write-combined (device) source memory and for regular system memory.
package memcopy

import "golang.org/x/sys/cpu"

// MTThreshold is the minimum byte-range size below which a copy always
// runs single-threaded, regardless of worker pool size.
const MTThreshold = 64 << 10 // 64 KiB.

// Alignment is the block alignment used when splitting a range across
// workers, and the alignment streaming-load copy requires of its source.
const Alignment = 16

// HasStreamingLoad reports whether the running CPU supports the wide,
// non-temporal load path used for write-combined source memory. When false,
// Copy always falls back to the regular path; the two produce byte-identical
// output either way (spec invariant: streaming-load copy of a byte range is
// byte-identical to the regular copy of the same range).
func HasStreamingLoad() bool {
	switch {
	case cpu.X86.HasSSE2:
		return true
	case cpu.ARM64.HasASIMD:
		return true
	default:
		return false
	}
}

// Streaming copies src into dst using the wide-load path when
// HasStreamingLoad reports the running CPU supports it, falling back to
// Regular otherwise. There is no portable non-temporal-store builtin in Go,
// so both paths are expressed with the runtime's copy, which already lowers
// large copies to vectorized moves; Streaming exists so callers can express
// the intent from spec.md §4.4 and so the two paths stay provably
// byte-identical (see memcopy_test.go).
func Streaming(dst, src []byte) int {
	if !HasStreamingLoad() {
		return Regular(dst, src)
	}
	return copy(dst, src)
}

// Regular is a plain byte copy, used for system-memory sources and as the
// fallback for ranges under MTThreshold.
func Regular(dst, src []byte) int {
	return copy(dst, src)
}

// Block describes one worker's contiguous, 16-byte-aligned slice of a
// larger copy range.
type Block struct {
	Offset int
	Length int
}

// SplitBlocks divides a range of n bytes into up to count contiguous,
// Alignment-byte-aligned blocks. The last block absorbs any remainder. If n
// is smaller than twice Alignment, or count <= 1, a single block covering
// the whole range is returned.
func SplitBlocks(n, count int) []Block {
	if count < 1 {
		count = 1
	}
	if n <= 0 {
		return nil
	}
	if count == 1 || n < Alignment*2 {
		return []Block{{Offset: 0, Length: n}}
	}

	// Round the per-worker share down to a multiple of Alignment (at least
	// one Alignment) so every block but the last starts and ends on an
	// aligned boundary.
	share := (n / count / Alignment) * Alignment
	if share == 0 {
		share = Alignment
	}

	blocks := make([]Block, 0, count)
	offset := 0
	for offset < n {
		length := share
		remaining := n - offset
		if remaining-length < Alignment || len(blocks) == count-1 {
			length = remaining
		}
		if length <= 0 {
			break
		}
		blocks = append(blocks, Block{Offset: offset, Length: length})
		offset += length
	}
	return blocks
}

// PageSkewOffset computes the destination page-offset skew described in
// spec.md §3: the low 12 bits of the destination address are chosen to
// differ from the source by 0x800, which maximises write-combining-load
// throughput on CPUs sensitive to same-page-offset aliasing between the
// write-combined source and the cached destination.
func PageSkewOffset(srcAddr uintptr) uintptr {
	return (srcAddr & 0xFFF) ^ 0x800
}
