/*
NAME
  bitstream.go

DESCRIPTION
  bitstream provides the codec-polymorphic frame constructor: given an input
  access unit, it produces a self-contained elementary stream fragment the
  external decoder can consume, carrying residual bitstream data and
  once-per-segment sequence headers across calls.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package bitstream provides per-codec bitstream constructors (spec.md
// §4.2). Instead of the source's three-class hierarchy (design note §9,
// "inheritance -> tagged variant"), Variant selects one of three behaviours
// dispatched from a single Constructor type, grounded on
// codec/codecutil.ByteScanner (VC-1 start-code scanning) and
// codec/h264/lex.go's NAL-boundary-walking style (AVC length-prefixed ->
// Annex-B conversion).
package bitstream

import (
	"encoding/binary"
	"errors"
	"time"
)

// ErrMoreDataNeeded is a non-fatal status: insufficient header data, or DVD
// stripping reducing the payload to zero.
var ErrMoreDataNeeded = errors.New("bitstream: more data needed")

// mediaTimeFrequency is the decoder-side timestamp frequency (90kHz), per
// original_source/TimeManager.h's MFX_TIME_STAMP_FREQUENCY.
const mediaTimeFrequency = 90000

// InvalidTimestamp mirrors surface.InvalidTimestamp; duplicated here (rather
// than imported) to keep bitstream free of a dependency on surface, since
// the two packages are siblings in the dependency order (spec.md §2).
const InvalidTimestamp = ^uint64(0)

// Variant selects which per-codec construction rules Constructor applies.
type Variant int

const (
	// Generic concatenates [residual][headers-if-not-yet-inserted][raw sample].
	Generic Variant = iota
	// VC1Advanced inserts the VC-1 advanced-profile frame start code when
	// the sample doesn't already begin with a recognised VC-1 start code.
	VC1Advanced
	// VC1Simple wraps the WMV3 sequence header in a 20-byte frame and
	// prepends an 8-byte [length, zero] header per frame.
	VC1Simple
	// AVCLengthPrefixed iterates NAL units by a container-declared length
	// field, discards AUD NALUs, and replaces each length prefix with the
	// Annex-B start code.
	AVCLengthPrefixed
)

// AccessUnit is one input sample to construct a decoder-consumable
// fragment from.
type AccessUnit struct {
	Data []byte

	// StartTime is the sample's presentation time in 100ns reference-time
	// units. Valid is false when the source did not supply a timestamp.
	StartTime time.Duration
	Valid     bool
}

// Fragment is a self-contained elementary stream fragment ready for the
// decoder, with its attached 90kHz media timestamp.
type Fragment struct {
	Data      []byte
	Timestamp uint64 // InvalidTimestamp if AccessUnit.Valid was false.
}

// Constructor maintains the residual-carryover and once-per-segment header
// state described in spec.md §4.2.
type Constructor struct {
	variant Variant

	headers        []byte
	headerInserted bool
	residual       []byte
	stripDVD       bool
	nalLengthBytes int // AVCLengthPrefixed: container-declared NAL length field size.
}

// Option configures a new Constructor.
type Option func(*Constructor)

// WithDVDStripping enables MPEG program-stream pack/system/PES header
// stripping ahead of codec-specific processing.
func WithDVDStripping() Option { return func(c *Constructor) { c.stripDVD = true } }

// WithNALLengthSize sets the container-declared NAL length-field size used
// by the AVCLengthPrefixed variant (commonly 4, sometimes 2 per
// original_source/frame_constructors.cpp's MPEG2VIDEOINFO::dwFlags).
func WithNALLengthSize(n int) Option {
	return func(c *Constructor) {
		if n > 0 {
			c.nalLengthBytes = n
		}
	}
}

// New returns a Constructor for the given Variant.
func New(v Variant, opts ...Option) *Constructor {
	c := &Constructor{variant: v, nalLengthBytes: 4}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetSequenceHeader stores the sequence-header blob (derived once from the
// media-type side data) to be prepended on the first non-empty frame of
// every new segment. For AVCLengthPrefixed, headerBlob should already be
// the Annex-B-formatted SPS/PPS NAL units (see ExtractAVCHeaders).
func (c *Constructor) SetSequenceHeader(headerBlob []byte) {
	c.headers = append([]byte(nil), headerBlob...)
	c.headerInserted = false
}

// Reset drops residual carry-over and forces headers to be re-prepended on
// the next frame, as required after a flush/seek (spec.md §4.6: "next
// decode after end_flush is treated as start of a new segment").
func (c *Constructor) Reset() {
	c.residual = c.residual[:0]
	c.headerInserted = false
}

// Construct builds a decoder-consumable Fragment from au, per spec.md
// §4.2's per-variant rules. Returns ErrMoreDataNeeded (non-fatal) when the
// sample yields no usable payload.
func (c *Constructor) Construct(au AccessUnit) (Fragment, error) {
	data := au.Data
	if c.stripDVD {
		var ok bool
		data, ok = stripDVDPacket(data)
		if !ok || len(data) == 0 {
			return Fragment{}, ErrMoreDataNeeded
		}
	}
	if len(data) == 0 {
		return Fragment{}, ErrMoreDataNeeded
	}

	var out []byte
	switch c.variant {
	case Generic:
		out = c.constructGeneric(data)
	case VC1Advanced:
		out = c.constructVC1Advanced(data)
	case VC1Simple:
		out = c.constructVC1Simple(data)
	case AVCLengthPrefixed:
		var err error
		out, err = c.constructAVC(data)
		if err != nil {
			return Fragment{}, err
		}
		if out == nil {
			return Fragment{}, ErrMoreDataNeeded
		}
	default:
		panic("bitstream: unknown variant")
	}

	return Fragment{Data: out, Timestamp: attachTimestamp(au)}, nil
}

// attachTimestamp converts a 100ns reference-time start time into a 90kHz
// media timestamp, per spec.md §4.2 "Timestamp attach" and
// original_source/TimeManager.h::ConvertReferenceTime2MFXTime.
func attachTimestamp(au AccessUnit) uint64 {
	if !au.Valid {
		return InvalidTimestamp
	}
	return uint64(float64(au.StartTime) / 1e7 * mediaTimeFrequency)
}

// takeResidual returns and clears the stored residual bitstream, to be
// prepended ahead of newly constructed data.
func (c *Constructor) takeResidual() []byte {
	if len(c.residual) == 0 {
		return nil
	}
	r := c.residual
	c.residual = nil
	return r
}

// SaveResidual stores the unconsumed suffix of the bitstream the decoder
// did not consume, to be prepended to the next frame (spec.md §4.2
// "Residual carry-over").
func (c *Constructor) SaveResidual(unconsumed []byte) {
	c.residual = append([]byte(nil), unconsumed...)
}

func (c *Constructor) constructGeneric(sample []byte) []byte {
	var out []byte
	out = append(out, c.takeResidual()...)
	if !c.headerInserted {
		out = append(out, c.headers...)
		c.headerInserted = true
	}
	out = append(out, sample...)
	return out
}

// vc1StartCodes enumerates the recognised VC-1 start codes; a sample
// already beginning with one of these does not need the advanced-profile
// frame start code inserted ahead of it (spec.md §4.2, corroborated by
// original_source/frame_constructors.cpp::StartCodeExist).
var vc1StartCodes = map[uint32]bool{
	0x010A: true, 0x010B: true, 0x010C: true, 0x010D: true,
	0x010E: true, 0x010F: true,
	0x011B: true, 0x011C: true, 0x011D: true, 0x011E: true, 0x011F: true,
}

// vc1FrameStartCode is the 4-byte VC-1 advanced-profile frame start code.
const vc1FrameStartCode = uint32(0x0000010D)

func (c *Constructor) constructVC1Advanced(sample []byte) []byte {
	var out []byte
	out = append(out, c.takeResidual()...)
	if !c.headerInserted {
		out = append(out, c.headers...)
		c.headerInserted = true
	}
	if !hasVC1StartCode(sample) {
		out = appendUint32BE(out, vc1FrameStartCode)
	}
	out = append(out, sample...)
	return out
}

func hasVC1StartCode(sample []byte) bool {
	if len(sample) < 4 {
		return false
	}
	return vc1StartCodes[binary.BigEndian.Uint32(sample[:4])]
}

func appendUint32BE(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

// wmv3SeqHeaderStartCode opens the WMV3 20-byte
// frame: start code (4), sequence length (4), sequence bytes, height (4),
// width (4), 4 zero bytes. See spec.md §4.2 and
// original_source/frame_constructors.cpp::ConstructHeaderSM.
const wmv3SeqHeaderStartCode = uint32(0xC5000000)

// BuildWMV3SequenceHeader wraps seq (the raw WMV3 sequence header bytes
// from the media type) in the 20-byte frame the decoder expects before
// first use.
func BuildWMV3SequenceHeader(seq []byte, width, height int) []byte {
	out := make([]byte, 0, len(seq)+20)
	out = appendUint32BE(out, wmv3SeqHeaderStartCode)
	out = appendUint32BE(out, uint32(len(seq)))
	out = append(out, seq...)
	out = appendUint32BE(out, uint32(height))
	out = appendUint32BE(out, uint32(width))
	out = appendUint32BE(out, 0)
	return out
}

func (c *Constructor) constructVC1Simple(sample []byte) []byte {
	var out []byte
	out = append(out, c.takeResidual()...)
	if !c.headerInserted {
		out = append(out, c.headers...)
		c.headerInserted = true
	}
	// Per-frame: prepend [length, zero], 8 bytes total.
	out = appendUint32BE(out, uint32(len(sample)))
	out = appendUint32BE(out, 0)
	out = append(out, sample...)
	return out
}

// avcAUDNALType is the NAL unit type for an Access Unit Delimiter, discarded
// during AVC length-prefixed -> Annex-B conversion.
const avcAUDNALType = 9

// avcAnnexBStartCode is the 4-byte Annex-B NAL unit start code.
var avcAnnexBStartCode = [4]byte{0x00, 0x00, 0x00, 0x01}

func (c *Constructor) constructAVC(sample []byte) ([]byte, error) {
	nalus, err := splitLengthPrefixed(sample, c.nalLengthBytes)
	if err != nil {
		return nil, err
	}

	var body []byte
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		if nalu[0]&0x1f == avcAUDNALType {
			continue
		}
		body = append(body, avcAnnexBStartCode[:]...)
		body = append(body, nalu...)
	}
	if len(body) == 0 {
		return nil, nil
	}

	var out []byte
	out = append(out, c.takeResidual()...)
	if !c.headerInserted {
		out = append(out, c.headers...)
		c.headerInserted = true
	}
	out = append(out, body...)
	return out, nil
}

// splitLengthPrefixed walks sample as a sequence of [length-prefix][NALU]
// records, lengthBytes wide, returning the NALU payloads in order.
func splitLengthPrefixed(sample []byte, lengthBytes int) ([][]byte, error) {
	var nalus [][]byte
	for off := 0; off < len(sample); {
		if off+lengthBytes > len(sample) {
			return nil, ErrMoreDataNeeded
		}
		n := readUintBE(sample[off : off+lengthBytes])
		off += lengthBytes
		if off+n > len(sample) {
			return nil, ErrMoreDataNeeded
		}
		nalus = append(nalus, sample[off:off+n])
		off += n
	}
	return nalus, nil
}

func readUintBE(b []byte) int {
	var v int
	for _, x := range b {
		v = v<<8 | int(x)
	}
	return v
}

// avcSPSNALType and avcPPSNALType are the NAL unit types extracted from the
// sequence header on init to build the per-segment prepend blob.
const (
	avcSPSNALType = 7
	avcPPSNALType = 8
)

// ExtractAVCHeaders extracts SPS/PPS NAL units from a container-declared
// sequence header (length-prefixed by headerLengthBytes, typically 2 per
// original_source/frame_constructors.cpp's MPEG2VIDEOINFO convention) and
// returns them reformatted with Annex-B start codes, ready for
// SetSequenceHeader.
func ExtractAVCHeaders(seqHeader []byte, headerLengthBytes int) ([]byte, error) {
	nalus, err := splitLengthPrefixed(seqHeader, headerLengthBytes)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch nalu[0] & 0x1f {
		case avcSPSNALType, avcPPSNALType:
			out = append(out, avcAnnexBStartCode[:]...)
			out = append(out, nalu...)
		}
	}
	return out, nil
}
