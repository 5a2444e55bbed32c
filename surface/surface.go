/*
NAME
  surface.go

DESCRIPTION
  surface provides WorkSurface, the fixed pool of decoder work surfaces, and
  the free-surface finder used to hand the decoder a surface it may safely
  write into.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package surface provides the fixed-size work-surface pool and
// free-surface selection used by the pipeline controller to hand the
// external decoder collaborator somewhere to write a decoded frame.
package surface

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrNotEnoughBuffer is returned by FindFree when no surface has become
// free after the full retry budget has elapsed.
var ErrNotEnoughBuffer = errors.New("surface: not enough buffer")

// PictureStructure describes a surface's field/progressive arrangement.
type PictureStructure int

const (
	Progressive PictureStructure = iota
	TopFieldFirst
	BottomFieldFirst
	FieldRepeated
)

// PixelAspectRatio is a reduced numerator/denominator pair.
type PixelAspectRatio struct {
	Num, Den uint32
}

// Rect is a crop rectangle in pixels.
type Rect struct {
	Left, Top, Right, Bottom int
}

func (r Rect) Width() int  { return r.Right - r.Left }
func (r Rect) Height() int { return r.Bottom - r.Top }

// InvalidTimestamp is the sentinel the decoder uses for "no timestamp".
const InvalidTimestamp = ^uint64(0)

// Surface is one of a fixed pre-allocated pool of decoder work surfaces.
// A Surface is free iff both lock counts are zero and it is not queued in
// an output-reorder queue (spec.md §3).
type Surface struct {
	ID int

	Width, Height int
	Pitch         int
	Crop          Rect
	Structure     PictureStructure
	PAR           PixelAspectRatio

	// Handle is the opaque allocator-owned backing memory for this surface.
	Handle Handle

	// Timestamp is the decoder-assigned timestamp, or InvalidTimestamp.
	Timestamp uint64

	// Corrupt flags that the decoder reported a corrupted output.
	Corrupt bool

	lockExternal atomic.Int32 // held by the controller while queued for post-processing.
	lockInternal atomic.Int32 // held by the allocator/decoder while referenced internally.
	queued       atomic.Bool  // present in the decoder's output-reorder queue.
}

// Handle is an opaque reference to allocator-owned backing memory for a
// Surface; see package allocator.
type Handle interface {
	// ID uniquely identifies the underlying allocation.
	ID() uintptr
}

// Free reports whether the surface satisfies all three conditions of
// spec.md §4.1: allocator lock count zero, external lock count zero, and
// not present in the output-reorder queue.
func (s *Surface) Free() bool {
	return s.lockExternal.Load() == 0 && s.lockInternal.Load() == 0 && !s.queued.Load()
}

// LockExternal increments the controller-held lock count, preventing the
// surface from being handed back to the decoder while queued.
func (s *Surface) LockExternal() { s.lockExternal.Add(1) }

// UnlockExternal releases a previous LockExternal.
func (s *Surface) UnlockExternal() {
	if s.lockExternal.Add(-1) < 0 {
		s.lockExternal.Store(0)
	}
}

// LockInternal increments the allocator-held lock count (set while pixel
// data is mapped for CPU access).
func (s *Surface) LockInternal() { s.lockInternal.Add(1) }

// UnlockInternal releases a previous LockInternal.
func (s *Surface) UnlockInternal() {
	if s.lockInternal.Add(-1) < 0 {
		s.lockInternal.Store(0)
	}
}

// SetQueued marks whether the surface is present in the decoder's
// output-reorder queue.
func (s *Surface) SetQueued(queued bool) { s.queued.Store(queued) }

// Queued reports whether SetQueued(true) is currently in effect.
func (s *Surface) Queued() bool { return s.queued.Load() }

// Pool is a fixed-size array of Surfaces allocated once at Init and never
// destroyed until teardown.
type Pool struct {
	surfaces []*Surface

	// retryInterval and maxRetries implement the ~1000x1ms retry loop of
	// spec.md §4.1.
	retryInterval time.Duration
	maxRetries    int
}

// New returns a Pool over surfaces (already populated by the caller,
// typically via the allocator facade, before being handed to New).
func New(surfaces []*Surface) *Pool {
	return &Pool{
		surfaces:      surfaces,
		retryInterval: time.Millisecond,
		maxRetries:    1000,
	}
}

// Surfaces returns the pool's fixed surface array.
func (p *Pool) Surfaces() []*Surface { return p.surfaces }

// FindFree performs a linear scan for the first free surface (spec.md:
// "Selection need not be LRU; deterministic linear order suffices"),
// retrying with a 1ms sleep for up to ~1000 iterations if the pool is
// transiently exhausted. Returns ErrNotEnoughBuffer on sustained exhaustion,
// or ctx.Err() if ctx is cancelled first (e.g. by a flush in progress).
func (p *Pool) FindFree(ctx context.Context) (*Surface, error) {
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		for _, s := range p.surfaces {
			if s.Free() {
				return s, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.retryInterval):
		}
	}
	return nil, ErrNotEnoughBuffer
}
