/*
NAME
  fake.go

DESCRIPTION
  fake provides a deterministic in-memory decoder.Decoder for pipeline
  controller tests, standing in for the external entropy decoder.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package fake implements a scripted, deterministic decoder.Decoder,
// playing the same role for the pipeline controller's tests that
// device.ManualInput plays for revid's: a manually driven stand-in for a
// real external collaborator, shipped alongside the production interface.
package fake

import (
	"sync"
	"time"

	"github.com/ausocean/qsdecoder/allocator"
	"github.com/ausocean/qsdecoder/decoder"
	"github.com/ausocean/qsdecoder/surface"
)

// Frame is one scripted decode_frame_async outcome: claim a free surface,
// stamp it, and report status.
type Frame struct {
	Timestamp uint64
	Structure surface.PictureStructure
	Corrupt   bool
	Status    decoder.Status // usually decoder.Ok; set to e.g. VideoParamChanged to exercise recovery.

	// Fill, if non-zero, is written across the claimed surface's Y and CbCr
	// planes, letting a test verify that a delivered Frame's pixel data
	// tracks the surface it was copied from rather than a stale buffer.
	Fill byte
}

// Decoder is a scripted decoder.Decoder backed by a surface.Pool. Calls
// consume the Frames script in order; once exhausted, DecodeFrameAsync
// returns MoreData, matching the real decoder's "need another access unit"
// signal at end of stream.
type Decoder struct {
	mu      sync.Mutex
	pool    *surface.Pool
	params  decoder.VideoParams
	script  []Frame
	next    int
	backing allocator.Backing // optional; enables Frame.Fill.

	headerStatus decoder.Status // returned by DecodeHeader; Ok unless scripted otherwise.
	initStatus   decoder.Status
}

// New returns a Decoder that claims surfaces from pool and emits script in
// order.
func New(pool *surface.Pool, script []Frame) *Decoder {
	return &Decoder{pool: pool, script: script}
}

// SetBacking registers the allocator.Backing the pipeline's surfaces were
// allocated from, so scripted Frame.Fill values can be written into the
// real pixel storage a subsequent copy will read from.
func (d *Decoder) SetBacking(b allocator.Backing) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backing = b
}

// SetHeaderStatus scripts the Status DecodeHeader returns, for exercising
// Unsupported/InvalidMediaType probe paths.
func (d *Decoder) SetHeaderStatus(s decoder.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.headerStatus = s
}

// SetInitStatus scripts the Status Init returns, for exercising device
// init failure paths.
func (d *Decoder) SetInitStatus(s decoder.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initStatus = s
}

// SetParams seeds the VideoParams DecodeHeader reports, standing in for
// the real decoder's media-type probe, which a caller must know the
// answer to before Init negotiates surfaces and calls Init itself.
func (d *Decoder) SetParams(p decoder.VideoParams) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = p
}

func (d *Decoder) DecodeHeader(bitstream []byte) (decoder.VideoParams, decoder.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.headerStatus != decoder.Ok {
		return decoder.VideoParams{}, d.headerStatus
	}
	return d.params, decoder.Ok
}

func (d *Decoder) QueryIOSurf(params decoder.VideoParams) (decoder.SurfaceRequest, decoder.Status) {
	return decoder.SurfaceRequest{NumSurfaces: len(d.pool.Surfaces()), Width: params.Width, Height: params.Height}, decoder.Ok
}

func (d *Decoder) Init(params decoder.VideoParams) decoder.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initStatus != decoder.Ok {
		return d.initStatus
	}
	d.params = params
	return decoder.Ok
}

func (d *Decoder) Reset(params decoder.VideoParams) decoder.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = params
	return decoder.Ok
}

func (d *Decoder) GetVideoParams() decoder.VideoParams {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.params
}

// syncToken is the concrete SyncPoint this fake hands out; SyncOperation
// resolves it immediately since there is no real asynchronous device.
type syncToken struct {
	status decoder.Status
}

func (d *Decoder) DecodeFrameAsync(bitstream []byte, work *surface.Surface) (decoder.DecodeResult, decoder.Status) {
	d.mu.Lock()
	if d.next >= len(d.script) {
		d.mu.Unlock()
		return decoder.DecodeResult{}, decoder.MoreData
	}
	f := d.script[d.next]
	d.next++
	d.mu.Unlock()

	if f.Status != decoder.Ok {
		return decoder.DecodeResult{}, f.Status
	}

	work.Timestamp = f.Timestamp
	work.Structure = f.Structure
	work.Corrupt = f.Corrupt

	if f.Fill != 0 {
		d.mu.Lock()
		backing := d.backing
		d.mu.Unlock()
		if backing != nil {
			resp := allocator.ResponseFromID(work.Handle.ID(), work.Width, work.Height, work.Pitch)
			if planes, err := backing.Lock(resp); err == nil {
				fillBytes(planes.Y, f.Fill)
				fillBytes(planes.CbCr, f.Fill)
				backing.Unlock(resp)
			}
		}
	}

	work.LockExternal()
	work.SetQueued(true)

	return decoder.DecodeResult{OutSurface: work, SyncPoint: syncToken{status: f.Status}}, decoder.Ok
}

func (d *Decoder) SyncOperation(sp decoder.SyncPoint, timeout time.Duration) decoder.Status {
	st, ok := sp.(syncToken)
	if !ok {
		return decoder.Ok
	}
	return st.status
}

func fillBytes(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
