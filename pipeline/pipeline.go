/*
NAME
  pipeline.go

DESCRIPTION
  pipeline provides Controller, the hardware-decode orchestration engine:
  it drives an external decoder.Decoder through a fixed work-surface pool,
  reorders its output into presentation order, copies finished planes into
  consumer-owned frame buffers, and delivers them through a callback.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package pipeline provides Controller, the big-lock decode orchestration
// state machine of spec.md §4.6, wiring together surface, allocator,
// bitstream, timestamp, workerpool and an external decoder.Decoder, in the
// shape of revid.Revid + revid/pipeline.go: a Config-carrying struct, a
// wg sync.WaitGroup plus err chan error pair, and a stop channel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ausocean/qsdecoder/allocator"
	"github.com/ausocean/qsdecoder/bitstream"
	"github.com/ausocean/qsdecoder/decoder"
	"github.com/ausocean/qsdecoder/pipeline/config"
	"github.com/ausocean/qsdecoder/queue"
	"github.com/ausocean/qsdecoder/surface"
	"github.com/ausocean/qsdecoder/timestamp"
	"github.com/ausocean/qsdecoder/workerpool"
)

// Sentinel errors returned by Controller operations, classified per
// spec.md §7's recoverable/fatal-for-operation/fatal-for-instance taxonomy.
var (
	// ErrInvalidMediaType is fatal-for-operation: Init's media type probe
	// failed outright.
	ErrInvalidMediaType = errors.New("pipeline: invalid media type")

	// ErrUnsupported is fatal-for-operation: the probed codec is disabled in
	// Config, or the decoder reports it cannot be decoded at all.
	ErrUnsupported = errors.New("pipeline: unsupported codec or profile")

	// ErrDeviceFailed is fatal-for-instance: the external decoder collaborator
	// failed in a way recovery cannot repair (spec.md §7 "fatal for
	// instance").
	ErrDeviceFailed = errors.New("pipeline: device failed")

	// ErrFatal is fatal-for-instance: an internal invariant was violated
	// (surface pool exhausted past its retry budget, construction failure).
	ErrFatal = errors.New("pipeline: fatal error")

	// ErrNotReady is returned by an operation called before Init or after
	// Shutdown.
	ErrNotReady = errors.New("pipeline: controller not ready")
)

// State is the controller's coarse lifecycle stage (spec.md §3 "pipeline
// state enum").
type State int32

const (
	Uninitialised State = iota
	Ready
	Flushing
	NeedsSeek
	Shutdown
)

func (s State) String() string {
	switch s {
	case Uninitialised:
		return "Uninitialised"
	case Ready:
		return "Ready"
	case Flushing:
		return "Flushing"
	case NeedsSeek:
		return "NeedsSeek"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// flushDeadline bounds how long the controller waits for in-flight work to
// drain during a flush, per spec.md §8 S4 ("flush reports FreePool full
// within a bounded time").
const flushDeadline = time.Second

// deliverTimeout bounds a single SyncOperation / device-busy wait.
const deliverTimeout = time.Second

// Controller is the pipeline's single entry point, serialising Decode,
// Flush, OnSeek, Init and Shutdown behind one mutex (spec.md §5 "concurrency
// model": BeginFlush/EndFlush are the only operations that bypass it).
type Controller struct {
	mu  sync.Mutex // the "big lock" of spec.md §5.
	cfg config.Config

	dec       decoder.Decoder
	allocator *allocator.Facade
	allocType allocator.Type

	pool      *surface.Pool
	responses []allocator.Response // parallel to pool.Surfaces(), indexed by Surface.ID.

	bs *bitstream.Constructor
	ts *timestamp.Manager

	workers *workerpool.Pool

	decodedQ   *queue.Bounded[*surface.Surface]
	processedQ *queue.Bounded[*buffer]
	freePool   *queue.Bounded[*buffer]

	reorder reorderQueue

	deliver func(Frame)

	params  decoder.VideoParams
	variant bitstream.Variant

	state      atomic.Int32
	flushing   atomic.Bool // set by BeginFlush/EndFlush, bypasses the big lock.
	needsFlush atomic.Bool // set internally whenever in-flight work must be abandoned.

	paramsChangedThisSample bool

	wg   sync.WaitGroup
	err  chan error
	stop chan struct{}
}

// New returns a Controller in state Uninitialised. dec is the external
// decoder collaborator; backings registers the allocator.Backing for each
// allocator.Type the controller may need (spec.md §4.7); deliver is the
// consumer callback invoked for every presented frame.
func New(cfg config.Config, dec decoder.Decoder, backings map[allocator.Type]allocator.Backing, deliver func(Frame)) *Controller {
	c := &Controller{
		cfg:       cfg,
		dec:       dec,
		allocator: allocator.NewFacade(backings),
		deliver:   deliver,
		err:       make(chan error, 16),
		stop:      make(chan struct{}),
	}
	c.state.Store(int32(Uninitialised))
	go c.handleErrors()
	return c
}

// handleErrors drains c.err, logging each via cfg.Logger; mirrors
// revid.Revid.handleErrors.
func (c *Controller) handleErrors() {
	for {
		select {
		case err, ok := <-c.err:
			if !ok {
				return
			}
			if c.cfg.Logger != nil {
				c.cfg.Logger.Error("pipeline error", "error", err)
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Controller) reportError(err error) {
	select {
	case c.err <- err:
	default:
	}
}

// State reports the controller's current lifecycle stage.
func (c *Controller) State() State { return State(c.state.Load()) }

// variantFor maps a decoder-reported FourCC to the bitstream Variant and
// the codec-enable flag that must be set for it, spec.md §6 "codec support
// matrix".
func variantFor(fourCC string, cfg config.Config) (bitstream.Variant, bool, error) {
	switch fourCC {
	case "H264":
		return bitstream.AVCLengthPrefixed, cfg.EnableH264, nil
	case "MPG2":
		return bitstream.Generic, cfg.EnableMPEG2, nil
	case "WVC1":
		return bitstream.VC1Advanced, cfg.EnableVC1, nil
	case "WMV3":
		return bitstream.VC1Simple, cfg.EnableWMV9, nil
	default:
		return 0, false, fmt.Errorf("%w: unknown fourcc %q", ErrUnsupported, fourCC)
	}
}

// Init probes mediaType, negotiates surfaces with the decoder, and brings
// the controller to state Ready, per spec.md §4.6's init algorithm.
func (c *Controller) Init(mediaType []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if State(c.state.Load()) != Uninitialised {
		return fmt.Errorf("%w: Init called in state %s", ErrFatal, c.State())
	}
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}

	params, status := c.dec.DecodeHeader(mediaType)
	if status == decoder.Unsupported {
		return ErrUnsupported
	}
	if status != decoder.Ok {
		return fmt.Errorf("%w: decode_header status %s", ErrInvalidMediaType, status)
	}

	variant, enabled, err := variantFor(params.FourCC, c.cfg)
	if err != nil {
		return err
	}
	if !enabled {
		return fmt.Errorf("%w: codec %s disabled in config", ErrUnsupported, params.FourCC)
	}

	req, status := c.dec.QueryIOSurf(params)
	if status != decoder.Ok {
		return fmt.Errorf("%w: query_io_surf status %s", ErrDeviceFailed, status)
	}

	if err := c.allocateSurfaces(req, c.cfg.OutputQueueLength); err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}

	if status := c.dec.Init(params); status != decoder.Ok {
		return fmt.Errorf("%w: init status %s", ErrDeviceFailed, status)
	}

	c.params = params
	c.variant = variant
	bsOpts := []bitstream.Option{bitstream.WithNALLengthSize(4)}
	if c.cfg.EnableDVDDecoding {
		bsOpts = append(bsOpts, bitstream.WithDVDStripping())
	}
	c.bs = bitstream.New(variant, bsOpts...)
	if header, err := sequenceHeaderFor(variant, mediaType, params); err == nil && len(header) > 0 {
		c.bs.SetSequenceHeader(header)
	}
	c.ts = timestamp.New(true)

	if _, _, mtCopy := c.cfg.EffectiveMT(); mtCopy {
		c.workers = workerpool.Acquire(c.cfg.WorkerCount)
	}

	capacity := c.cfg.DecodedQueueCapacity
	c.decodedQ = queue.NewBounded[*surface.Surface](capacity)
	outputCap := c.cfg.OutputQueueLength + 1
	c.processedQ = queue.NewBounded[*buffer](outputCap)
	c.freePool = queue.NewBounded[*buffer](outputCap)
	for i := 0; i < outputCap; i++ {
		c.freePool.PushBack(&buffer{}, 0)
	}

	if processing, _, _ := c.cfg.EffectiveMT(); processing {
		c.wg.Add(1)
		go c.postProcessWorker()
	}

	c.state.Store(int32(Ready))
	return nil
}

// sequenceHeaderFor derives the once-per-segment header blob Constructor
// prepends ahead of the first frame of every segment, from the raw media
// type side data the container supplied to Init (spec.md §4.2 "sequence
// header"). mediaType's layout is container-declared and out of this
// module's scope beyond the two shapes original_source/frame_constructors.cpp
// documents: a 2-byte-length-prefixed SPS/PPS run for AVC, and a raw WMV3
// sequence header for VC1Simple. Other variants carry no separate header.
func sequenceHeaderFor(variant bitstream.Variant, mediaType []byte, params decoder.VideoParams) ([]byte, error) {
	switch variant {
	case bitstream.AVCLengthPrefixed:
		return bitstream.ExtractAVCHeaders(mediaType, 2)
	case bitstream.VC1Simple:
		return bitstream.BuildWMV3SequenceHeader(mediaType, params.Width, params.Height), nil
	default:
		return nil, nil
	}
}

// allocateSurfaces builds the fixed work-surface pool: req.NumSurfaces for
// the decoder's own reference-frame needs, plus extra slack surfaces to
// accommodate outputQueueLength frames held by the reorder queue at once
// (spec.md §3 "WorkSurface pool sizing").
func (c *Controller) allocateSurfaces(req decoder.SurfaceRequest, outputQueueLength int) error {
	n := req.NumSurfaces + outputQueueLength + 2
	allocType := allocator.System
	if c.cfg.EnableD3D11 {
		allocType = allocator.DecodeTarget
	}
	c.allocType = allocType

	width := req.Width
	height := req.Height
	if c.cfg.Mod16Width {
		width = (width + 15) / 16 * 16
	}

	surfaces := make([]*surface.Surface, n)
	responses := make([]allocator.Response, n)
	for i := 0; i < n; i++ {
		resp, err := c.allocator.Alloc(allocator.Request{
			Type:       allocType,
			ExternalID: uintptr(i + 1),
			Width:      width,
			Height:     height,
		})
		if err != nil {
			return err
		}
		responses[i] = resp
		surfaces[i] = &surface.Surface{
			ID:     i,
			Width:  resp.Width,
			Height: resp.Height,
			Pitch:  resp.Pitch,
			Crop:   surface.Rect{Left: 0, Top: 0, Right: width, Bottom: height},
			Handle: resp.Handle,
		}
	}
	c.pool = surface.New(surfaces)
	c.responses = responses
	return nil
}

// Decode submits one access unit, constructing a bitstream fragment and
// driving the decoder until it reports MoreData, per spec.md §4.6's 7-step
// decode algorithm.
func (c *Controller) Decode(au bitstream.AccessUnit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if State(c.state.Load()) != Ready {
		return fmt.Errorf("%w: Decode called in state %s", ErrNotReady, c.State())
	}

	// Step 1: a pipeline-level flush in progress drops new input.
	if c.flushing.Load() {
		return nil
	}

	// Step 2: a pending seek is serviced before new input is accepted.
	if c.needsFlush.Load() {
		if err := c.onSeekLocked(0); err != nil {
			return err
		}
	}

	// Step 3: opportunistic non-blocking delivery before construction, so a
	// full ProcessedQueue doesn't block Step 5's surface finder forever.
	if c.processedQ.Full() {
		c.deliverOne(false)
	}

	// Step 4: construct the decoder-consumable fragment.
	frag, err := c.bs.Construct(au)
	if errors.Is(err, bitstream.ErrMoreDataNeeded) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: bitstream construct: %v", ErrFatal, err)
	}

	// Step 5: drive the decoder with frag, then with nil to drain any
	// additional frames it had buffered, until it reports MoreData.
	payload := frag.Data
	c.paramsChangedThisSample = false
	for {
		ctx, cancel := context.WithTimeout(context.Background(), flushDeadline)
		work, err := c.pool.FindFree(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFatal, err)
		}

		res, status := c.dec.DecodeFrameAsync(payload, work)
		payload = nil // subsequent iterations drain buffered reference frames.

		switch status {
		case decoder.Ok:
			st := c.dec.SyncOperation(res.SyncPoint, deliverTimeout)
			if st != decoder.Ok {
				res.OutSurface.UnlockExternal()
				return fmt.Errorf("%w: sync_operation status %s", ErrDeviceFailed, st)
			}
			c.queueSurface(res.OutSurface)
			if c.processedQ.Full() {
				c.deliverOne(false)
			}
			continue

		case decoder.MoreSurface:
			continue

		case decoder.MoreData:
			// Step 6: preserve whatever the decoder hadn't consumed. The
			// abstracted Status-only interface gives no consumed-byte count,
			// so residual carry-over degrades to "nothing held back" here;
			// a real decoder binding would report the unconsumed suffix.
			goto done

		case decoder.VideoParamChanged:
			if !c.paramsChangedThisSample {
				c.onVideoParamsChanged()
				c.paramsChangedThisSample = true
			}
			continue

		case decoder.NotEnoughBuffer:
			return fmt.Errorf("%w: not_enough_buffer", ErrFatal)

		case decoder.IncompatibleVideoParam:
			if err := c.flushLocked(true); err != nil {
				return err
			}
			newParams, hst := c.dec.DecodeHeader(frag.Data)
			if hst != decoder.Ok {
				return fmt.Errorf("%w: decode_header after incompatible_video_param: %s", ErrDeviceFailed, hst)
			}
			if rst := c.dec.Reset(newParams); rst != decoder.Ok {
				return fmt.Errorf("%w: reset after incompatible_video_param: %s", ErrDeviceFailed, rst)
			}
			c.params = newParams
			continue

		case decoder.PartialAcceleration:
			c.params.HardwareAccel = false
			continue

		case decoder.DeviceBusy:
			time.Sleep(time.Millisecond)
			continue

		default:
			return fmt.Errorf("%w: unexpected status %s", ErrFatal, status)
		}
	}
done:

	// Step 7: opportunistic non-blocking delivery after construction.
	c.deliverOne(false)
	return nil
}

// onVideoParamsChanged re-seeds the timestamp manager's frame rate after
// the decoder reports a mid-stream format change (spec.md §4.3
// "reinitialize on OnVideoParamsChanged").
func (c *Controller) onVideoParamsChanged() {
	params := c.dec.GetVideoParams()
	c.params = params
	c.ts.OnVideoParamsChanged(c.ts.FrameRate())
}

// queueSurface hands a decoder-filled surface to post-processing, either
// synchronously or via the DecodedQueue when multithreaded processing is
// enabled (spec.md §4.6 "queue surface"). The surface is assumed already
// externally locked by the caller (decoder.DecodeFrameAsync's contract).
func (c *Controller) queueSurface(surf *surface.Surface) {
	processing, _, _ := c.cfg.EffectiveMT()
	if processing {
		if !c.decodedQ.PushBack(surf, deliverTimeout) {
			surf.UnlockExternal()
			c.reportError(fmt.Errorf("%w: decoded queue push timed out", ErrFatal))
		}
		return
	}
	c.processDecodedFrame(surf)
}

// postProcessWorker consumes DecodedQueue and runs processDecodedFrame on
// a dedicated goroutine when enable_mt_processing is set.
func (c *Controller) postProcessWorker() {
	defer c.wg.Done()
	for {
		surf, ok := c.decodedQ.PopFront(time.Second)
		if !ok {
			select {
			case <-c.stop:
				return
			default:
				continue
			}
		}
		c.processDecodedFrame(surf)
	}
}

// processDecodedFrame implements spec.md §4.6's 12-step algorithm: push the
// surface onto the reorder queue, drain its oldest entry once the queue
// depth exceeds the output threshold, assign a presentation timestamp, copy
// planes into a free FrameBuffer, and enqueue it for delivery.
func (c *Controller) processDecodedFrame(surf *surface.Surface) {
	if surf != nil {
		refTime := timestamp.ConvertMediaToRefTime(surf.Timestamp)
		if c.reorder.len() == 0 && refTime == timestamp.InvalidTime && c.cfg.EnableTimeStampCorrection {
			surf.UnlockExternal()
			surf.SetQueued(false)
			return
		}
		surf.SetQueued(true)
		c.reorder.push(surf)
		if refTime != timestamp.InvalidTime {
			c.ts.AddOutputTimeStamp(refTime)
		}
	}

	threshold := c.cfg.OutputQueueLength
	if c.cfg.EnableDVDDecoding || !c.cfg.EnableTimeStampCorrection {
		threshold = 0
	}
	if c.reorder.len() <= threshold {
		return
	}

	oldest, ok := c.reorder.popOldest()
	if !ok {
		return
	}
	oldest.SetQueued(false)

	if c.needsFlush.Load() {
		oldest.UnlockExternal()
		return
	}

	fb, ok := c.acquireFreeBuffer()
	if !ok {
		oldest.UnlockExternal()
		return
	}

	sample := timestamp.Sample{
		RefTime:       timestamp.ConvertMediaToRefTime(oldest.Timestamp),
		FieldRepeated: oldest.Structure == surface.FieldRepeated,
		Progressive:   oldest.Structure == surface.Progressive,
	}
	start, ok := c.ts.Emit(sample, c.reorder.pendingRefTimes())
	if !ok {
		c.freePool.PushBack(fb, 0)
		oldest.UnlockExternal()
		return
	}

	if err := c.copyPlanes(fb, oldest); err != nil {
		c.reportError(fmt.Errorf("%w: %v", ErrFatal, err))
		c.freePool.PushBack(fb, 0)
		oldest.UnlockExternal()
		return
	}

	oldest.UnlockExternal()

	fb.Width, fb.Height = oldest.Width, oldest.Height
	fb.CropWidth, fb.CropHeight = oldest.Crop.Width(), oldest.Crop.Height()
	fb.DARNum, fb.DARDen = aspectRatio(oldest.Crop.Width(), oldest.Crop.Height(), oldest.PAR)
	fb.Start = start
	fb.Stop = start + 1
	fb.ReadOnly = true
	fb.Interlace, fb.Film = interlaceFor(oldest.Structure)

	if c.needsFlush.Load() {
		c.freePool.PushBack(fb, 0)
		return
	}
	if !c.processedQ.PushBack(fb, deliverTimeout) {
		c.freePool.PushBack(fb, 0)
	}
}

// interlaceFor maps a surface's PictureStructure to the consumer-facing
// interlace mode and film flag (spec.md §4.6 step 7).
func interlaceFor(s surface.PictureStructure) (InterlaceMode, bool) {
	switch s {
	case surface.TopFieldFirst:
		return FieldOneFirst, false
	case surface.BottomFieldFirst:
		return FieldTwoFirst, false
	case surface.FieldRepeated:
		return Weave, true
	default:
		return Weave, false
	}
}

// aspectRatio reduces a display aspect ratio from a crop rect and pixel
// aspect ratio, spec.md §3 "FrameBuffer" DAR fields.
func aspectRatio(width, height int, par surface.PixelAspectRatio) (num, den uint32) {
	if width <= 0 || height <= 0 {
		return 0, 0
	}
	n, d := uint32(width), uint32(height)
	if par.Num > 0 && par.Den > 0 {
		n *= par.Num
		d *= par.Den
	}
	g := gcd(n, d)
	if g == 0 {
		return n, d
	}
	return n / g, d / g
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// pendingRefTimes returns the reorder queue's currently held surfaces'
// RefTimes in queue order, fed to timestamp.Manager.Emit's pending
// parameter.
func (q *reorderQueue) pendingRefTimes() []time.Duration {
	out := make([]time.Duration, 0, len(q.surfaces))
	for _, s := range q.surfaces {
		out = append(out, timestamp.ConvertMediaToRefTime(s.Timestamp))
	}
	return out
}

// acquireFreeBuffer blocks on FreePool, polling needsFlush so a flush in
// progress isn't stalled behind a consumer that has stopped draining
// ProcessedQueue.
func (c *Controller) acquireFreeBuffer() (*buffer, bool) {
	for {
		if c.needsFlush.Load() {
			return nil, false
		}
		if fb, ok := c.freePool.PopFront(10 * time.Millisecond); ok {
			return fb, true
		}
	}
}

// copyPlanes locks surf's backing planes, grows fb's raw buffer to fit, and
// copies Y/UV into it, dispatching across the worker pool when
// enable_mt_copy is set and the plane is large enough (spec.md §4.4).
//
// The source's write-combined page-skew placement (spec.md §3,
// memcopy.PageSkewOffset) has no Go analogue: Go slices are GC-managed and
// offer no placement control over their backing array's address, so fb's
// buffer is a plain byte slice with no skew applied. memcopy.PageSkewOffset
// remains available (and tested) for a caller with a pinned/cgo buffer.
func (c *Controller) copyPlanes(fb *buffer, surf *surface.Surface) error {
	planes, err := c.allocator.Lock(c.allocType, c.responses[surf.ID])
	if err != nil {
		return err
	}
	defer c.allocator.Unlock(c.allocType, c.responses[surf.ID])

	stride := surf.Pitch
	ySize := stride * surf.Height
	uvSize := stride * surf.Height / 2
	total := ySize + uvSize
	if cap(fb.raw) < total {
		fb.raw = make([]byte, total)
	}
	fb.raw = fb.raw[:total]
	fb.Stride = stride
	fb.Y = fb.raw[:ySize]
	fb.UV = fb.raw[ySize:total]

	_, _, mtCopy := c.cfg.EffectiveMT()
	pool := c.workers
	if !mtCopy {
		pool = nil
	}
	workerpool.RunCopy(pool, fb.Y, planes.Y, c.params.HardwareAccel)
	workerpool.RunCopy(pool, fb.UV, planes.CbCr, c.params.HardwareAccel)
	return nil
}

// deliverOne pops one buffer from ProcessedQueue and invokes the consumer
// callback, returning the buffer to FreePool afterward. blocking selects an
// indefinite wait versus a single zero-timeout attempt (spec.md §4.6
// "delivery modes").
func (c *Controller) deliverOne(blocking bool) bool {
	timeout := time.Duration(-1)
	if !blocking {
		timeout = 1
	}
	fb, ok := c.processedQ.PopFront(timeout)
	if !ok {
		return false
	}
	if !c.needsFlush.Load() && c.deliver != nil {
		c.deliver(fb.Frame)
	}
	c.freePool.PushBack(fb, 0)
	return true
}

// Flush drains in-flight work and, if deliver is true, presents every
// buffered frame through the consumer callback before returning (spec.md
// §4.6's 5-step flush protocol).
func (c *Controller) Flush(deliver bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked(deliver)
}

func (c *Controller) flushLocked(deliver bool) error {
	prevState := State(c.state.Load())
	if prevState == Uninitialised {
		return ErrNotReady
	}
	if prevState != Shutdown {
		c.state.Store(int32(Flushing))
		defer c.state.Store(int32(prevState))
	}

	// needsFlush discards drained frames instead of presenting them.
	if !deliver {
		c.needsFlush.Store(true)
	}
	defer c.needsFlush.Store(false)

	// Step 1: drain the decoder's buffered reference frames with a nil
	// bitstream until it reports MoreData.
	for {
		ctx, cancel := context.WithTimeout(context.Background(), flushDeadline)
		work, err := c.pool.FindFree(ctx)
		cancel()
		if err != nil {
			break
		}
		res, status := c.dec.DecodeFrameAsync(nil, work)
		if status == decoder.MoreData {
			break
		}
		if status != decoder.Ok {
			break
		}
		st := c.dec.SyncOperation(res.SyncPoint, deliverTimeout)
		if st != decoder.Ok {
			res.OutSurface.UnlockExternal()
			break
		}
		c.processDecodedFrame(res.OutSurface)
	}

	// Step 2: force every surface still held in the reorder queue out,
	// regardless of the output-queue-length threshold.
	for c.reorder.len() > 0 {
		c.flushReorderOldest()
	}

	// Step 3: wait for in-flight post-processing to settle.
	c.drainUntilIdle()

	// Step 4: present everything queued, if requested.
	if deliver {
		for c.processedQ.Len() > 0 {
			if !c.deliverOne(true) {
				break
			}
		}
	} else {
		c.reorder.clear()
		for {
			fb, ok := c.processedQ.PopFront(1)
			if !ok {
				break
			}
			c.freePool.PushBack(fb, 0)
		}
	}

	// Step 5: reset per-segment state so the next Decode starts a new
	// segment (spec.md §4.6 "next decode after end_flush is treated as start
	// of a new segment").
	c.reorder.clear()
	c.ts.Reset()
	c.bs.Reset()
	return nil
}

// flushReorderOldest pops and processes the reorder queue's oldest entry
// unconditionally, bypassing processDecodedFrame's threshold check.
func (c *Controller) flushReorderOldest() {
	oldest, ok := c.reorder.popOldest()
	if !ok {
		return
	}
	oldest.SetQueued(false)

	fb, ok := c.acquireFreeBuffer()
	if !ok {
		oldest.UnlockExternal()
		return
	}
	sample := timestamp.Sample{
		RefTime:       timestamp.ConvertMediaToRefTime(oldest.Timestamp),
		FieldRepeated: oldest.Structure == surface.FieldRepeated,
		Progressive:   oldest.Structure == surface.Progressive,
	}
	start, ok := c.ts.Emit(sample, c.reorder.pendingRefTimes())
	if !ok {
		c.freePool.PushBack(fb, 0)
		oldest.UnlockExternal()
		return
	}
	if err := c.copyPlanes(fb, oldest); err != nil {
		c.freePool.PushBack(fb, 0)
		oldest.UnlockExternal()
		return
	}
	oldest.UnlockExternal()
	fb.Width, fb.Height = oldest.Width, oldest.Height
	fb.CropWidth, fb.CropHeight = oldest.Crop.Width(), oldest.Crop.Height()
	fb.DARNum, fb.DARDen = aspectRatio(oldest.Crop.Width(), oldest.Crop.Height(), oldest.PAR)
	fb.Start = start
	fb.Stop = start + 1
	fb.ReadOnly = true
	fb.Interlace, fb.Film = interlaceFor(oldest.Structure)
	if !c.processedQ.PushBack(fb, deliverTimeout) {
		c.freePool.PushBack(fb, 0)
	}
}

// drainUntilIdle waits, bounded by flushDeadline, for DecodedQueue and
// ProcessedQueue's producer side to settle.
func (c *Controller) drainUntilIdle() {
	deadline := time.Now().Add(flushDeadline)
	for time.Now().Before(deadline) {
		if c.decodedQ == nil || c.decodedQ.Empty() {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// OnSeek discards all in-flight and queued state and repositions the
// decoder for a new segment starting at start, per spec.md §4.6 "on_seek".
func (c *Controller) OnSeek(start time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onSeekLocked(start)
}

func (c *Controller) onSeekLocked(start time.Duration) error {
	if State(c.state.Load()) == Uninitialised {
		return ErrNotReady
	}
	c.state.Store(int32(NeedsSeek))
	if err := c.flushLocked(false); err != nil {
		return err
	}
	if status := c.dec.Reset(c.params); status != decoder.Ok {
		c.state.Store(int32(Shutdown))
		return fmt.Errorf("%w: reset on seek: %s", ErrDeviceFailed, status)
	}
	c.reorder.clear()
	c.state.Store(int32(Ready))
	return nil
}

// BeginFlush signals an asynchronous flush request from outside the
// decode/flush/seek serialisation, per spec.md §5: it does not take the big
// lock, so it can interrupt an in-progress Decode promptly.
func (c *Controller) BeginFlush() {
	c.flushing.Store(true)
	c.needsFlush.Store(true)
}

// EndFlush clears the flushing flag set by BeginFlush, allowing Decode to
// accept input again.
func (c *Controller) EndFlush() {
	c.flushing.Store(false)
}

// Shutdown stops the post-process worker and releases the worker pool
// reference acquired in Init. Shutdown is terminal: no further operation on
// c is valid afterward.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if State(c.state.Load()) == Uninitialised || State(c.state.Load()) == Shutdown {
		return nil
	}

	c.needsFlush.Store(true)
	if c.decodedQ != nil {
		c.decodedQ.Close()
	}
	close(c.stop)
	c.wg.Wait()
	close(c.err)

	if c.workers != nil {
		workerpool.Release()
	}

	c.state.Store(int32(Shutdown))
	return nil
}
