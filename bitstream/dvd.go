package bitstream

import "github.com/Comcast/gots/v2/pes"

// stripDVDPacket strips MPEG program-stream pack/system/PES headers from a
// DVD input packet ahead of codec-specific processing, honouring the PES
// header's PTS/DTS presence flags to advance past the exact header length
// (spec.md §4.2 "DVD-packet stripping", grounded on
// original_source/frame_constructors.cpp::StripDvdPacket). The PES portion
// is parsed with gots/v2/pes.NewPESHeader, the same decode-direction
// skip-to-payload call container/mts's PES tests make
// (encoder_test.go:142-146,244); stripLegacyPESHeader is the stdlib
// fallback for the non-standard leading-stuffing-byte program-stream
// variant gots's parser rejects. Returns the stripped payload and whether
// stripping succeeded without exhausting the packet.
func stripDVDPacket(p []byte) ([]byte, bool) {
	// Pack header (0x000001BA): fixed 14 bytes plus 0-7 stuffing bytes
	// signalled by the low 3 bits of the last header byte.
	if len(p) >= 14 && startCode3(p) == 0x000001 && p[3] == 0xBA {
		stuffing := int(p[13] & 0x7)
		p = p[14:]
		if len(p) < stuffing {
			return nil, false
		}
		p = p[stuffing:]
	}

	// System header (0x000001BB): 4-byte start code, 2-byte header length.
	if len(p) >= 6 && startCode3(p) == 0x000001 && p[3] == 0xBB {
		p = p[4:]
		hdrLen := int(p[0])<<8 | int(p[1])
		p = p[2:]
		if len(p) < hdrLen {
			return nil, false
		}
		p = p[hdrLen:]
	}

	// PES packet: stream IDs 0xE0-0xEF (video), 0xC0-0xDF (audio), 0xBD
	// (private stream 1, used for VC-1/WMV3 and DVD subpictures).
	if len(p) >= 6 && startCode3(p) == 0x000001 && isPESStreamID(p[3]) {
		ps1 := p[3] == 0xBD

		if hdr, err := pes.NewPESHeader(p); err == nil {
			data := hdr.Data()
			if ps1 {
				if len(data) == 0 {
					return nil, false
				}
				data = data[1:]
			}
			p = data
		} else {
			var ok bool
			p, ok = stripLegacyPESHeader(p, ps1)
			if !ok {
				return nil, false
			}
		}
	}

	if len(p) == 0 {
		return nil, false
	}
	return p, true
}

// stripLegacyPESHeader strips a PES header gots/v2/pes doesn't model: some
// DVD program streams pad up to 16 0xFF stuffing bytes directly ahead of the
// optional-header marker bits, a quirk gots's parser (built for clean
// MPEG-TS PES headers) rejects. p starts at the PES start code; ps1
// indicates private-stream-1 framing, which carries one extra sub-stream ID
// byte ahead of the payload.
func stripLegacyPESHeader(p []byte, ps1 bool) ([]byte, bool) {
	p = p[4:]
	expected := int(p[0])<<8 | int(p[1])
	p = p[2:]
	start := len(p)

	n := 0
	for n < 16 && n < len(p) && p[n] == 0xFF {
		n++
	}
	p = p[n:]
	if len(p) == 0 {
		return nil, false
	}

	switch {
	case p[0]&0xC0 == 0x80: // MPEG-2 PES header with flags byte.
		if len(p) < 3 {
			return nil, false
		}
		hdrDataLen := int(p[2])
		p = p[3:]
		if len(p) < hdrDataLen {
			return nil, false
		}
		p = p[hdrDataLen:]
	default: // MPEG-1 style.
		if p[0]&0xC0 == 0x40 {
			if len(p) < 2 {
				return nil, false
			}
			p = p[2:]
		}
		switch {
		case p[0]&0x30 == 0x30 || p[0]&0x30 == 0x20:
			pts := p[0]&0x20 != 0
			dts := p[0]&0x10 != 0
			if pts {
				if len(p) < 5 {
					return nil, false
				}
				p = p[5:]
			}
			if dts {
				if len(p) < 5 {
					return nil, false
				}
				p = p[5:]
			}
		default:
			if len(p) < 1 {
				return nil, false
			}
			p = p[1:]
		}
	}

	if ps1 {
		if len(p) < 1 {
			return nil, false
		}
		p = p[1:]
	}

	if expected > 0 {
		consumed := start - len(p)
		remaining := expected - consumed
		if remaining < len(p) {
			p = p[:maxInt(remaining, 0)]
		}
	}

	return p, true
}

func startCode3(p []byte) uint32 {
	return uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2])
}

func isPESStreamID(id byte) bool {
	return id == 0xBD || (id&0xF0) == 0xE0 || (id&0xE0) == 0xC0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
