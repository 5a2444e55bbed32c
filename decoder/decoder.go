/*
NAME
  decoder.go

DESCRIPTION
  decoder declares the external entropy-decoder collaborator interface the
  pipeline controller drives (spec.md §6). The entropy decode itself is out
  of scope for this module; decoder only describes the seam.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package decoder declares the external fixed-function decoder interface
// the pipeline controller consumes, grounded on device.AVDevice's pattern
// of a small interface plus a package-local fake for tests
// (device.ManualInput plays that role for revid; decoder/fake plays it
// here).
package decoder

import (
	"time"

	"github.com/ausocean/qsdecoder/surface"
)

// Status is the decoder's per-call outcome, spec.md §6/§7.
type Status int

const (
	Ok Status = iota
	MoreData
	MoreSurface
	DeviceBusy
	NotEnoughBuffer
	VideoParamChanged
	IncompatibleVideoParam
	PartialAcceleration
	Unsupported
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "Ok"
	case MoreData:
		return "MoreData"
	case MoreSurface:
		return "MoreSurface"
	case DeviceBusy:
		return "DeviceBusy"
	case NotEnoughBuffer:
		return "NotEnoughBuffer"
	case VideoParamChanged:
		return "VideoParamChanged"
	case IncompatibleVideoParam:
		return "IncompatibleVideoParam"
	case PartialAcceleration:
		return "PartialAcceleration"
	case Unsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// VideoParams describes the negotiated decode geometry and codec profile,
// derived from decode_header and (re-)bound by init/reset.
type VideoParams struct {
	Width, Height int
	CropW, CropH  int
	FourCC        string // "H264", "MPG2", "WVC1", "WMV3".
	Profile       string
	HardwareAccel bool // demoted to false after PartialAcceleration.
}

// SurfaceRequest describes how many work surfaces and of what geometry
// query_io_surf asks the caller to allocate before init.
type SurfaceRequest struct {
	NumSurfaces   int
	Width, Height int
}

// DecodeResult carries the asynchronous decode_frame_async outputs.
type DecodeResult struct {
	OutSurface *surface.Surface
	SyncPoint  SyncPoint
}

// SyncPoint is an opaque async-completion token returned by
// DecodeFrameAsync and awaited by SyncOperation.
type SyncPoint interface{}

// Decoder is the external entropy-decoder collaborator the pipeline
// controller drives. No hardware implementation is provided by this module
// (decoder/fake is a scripted stand-in for tests and the CLI demo); the
// actual decode is explicitly out of scope (spec.md §1).
type Decoder interface {
	// DecodeHeader parses bitstream far enough to populate params, without
	// committing to decode.
	DecodeHeader(bitstream []byte) (VideoParams, Status)

	// QueryIOSurf reports the surface pool shape the decoder needs for the
	// given params.
	QueryIOSurf(params VideoParams) (SurfaceRequest, Status)

	// Init commits the decoder to params and prepares it for decoding.
	Init(params VideoParams) Status

	// Reset reinitialises the decoder with new params without a full
	// teardown, used on IncompatibleVideoParam recovery.
	Reset(params VideoParams) Status

	// GetVideoParams returns the decoder's currently bound params.
	GetVideoParams() VideoParams

	// DecodeFrameAsync submits bitstream (nil to drain pending reference
	// frames) against work for decode, returning immediately with a
	// DecodeResult to await via SyncOperation.
	DecodeFrameAsync(bitstream []byte, work *surface.Surface) (DecodeResult, Status)

	// SyncOperation blocks up to timeout for sp to complete.
	SyncOperation(sp SyncPoint, timeout time.Duration) Status
}
