package bitstream

import "testing"

// pesPacket builds a standard MPEG-2-style PES packet: start code, stream
// ID, packet length, a minimal optional header with no PTS/DTS, and the
// given payload.
func pesPacket(streamID byte, payload []byte) []byte {
	p := []byte{0, 0, 1, streamID, 0, 0, 0x80, 0x00, 0x00}
	p = append(p, payload...)
	length := len(p) - 6 // bytes after the length field.
	p[4] = byte(length >> 8)
	p[5] = byte(length)
	return p
}

func TestStripDVDPacketPESHeader(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	got, ok := stripDVDPacket(pesPacket(0xE0, payload))
	if !ok {
		t.Fatal("stripDVDPacket failed on a well-formed video PES packet")
	}
	if string(got) != string(payload) {
		t.Fatalf("payload = %x, want %x", got, payload)
	}
}

func TestStripDVDPacketPrivateStream1(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	withSubID := append([]byte{0xA0}, payload...)
	got, ok := stripDVDPacket(pesPacket(0xBD, withSubID))
	if !ok {
		t.Fatal("stripDVDPacket failed on a private-stream-1 PES packet")
	}
	if string(got) != string(payload) {
		t.Fatalf("payload = %x, want %x (sub-stream ID byte not stripped)", got, payload)
	}
}

func TestStripDVDPacketPackHeader(t *testing.T) {
	packHeader := make([]byte, 14)
	packHeader[2] = 1
	packHeader[3] = 0xBA // low 3 bits of packHeader[13] (stuffing count) left at 0.

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	data := append(packHeader, pesPacket(0xE0, payload)...)

	got, ok := stripDVDPacket(data)
	if !ok {
		t.Fatal("stripDVDPacket failed on a pack-header-prefixed PES packet")
	}
	if string(got) != string(payload) {
		t.Fatalf("payload = %x, want %x", got, payload)
	}
}

func TestStripDVDPacketTruncatedFails(t *testing.T) {
	// A PES start code and length field with nothing after it.
	_, ok := stripDVDPacket([]byte{0, 0, 1, 0xE0, 0, 1})
	if ok {
		t.Fatal("expected stripDVDPacket to fail on a truncated PES header")
	}
}
