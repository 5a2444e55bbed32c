package allocator

import (
	"sync"
	"sync/atomic"
)

// SystemBacking allocates surfaces as plain heap buffers. It is always
// available, regardless of platform, and is the backing used whenever
// enable_d3d11 is false or D3D11Backing is unavailable.
type SystemBacking struct {
	mu   sync.Mutex
	data map[uintptr][]byte
}

var nextSystemID atomic.Uintptr

// NewSystemBacking returns a ready-to-use SystemBacking.
func NewSystemBacking() *SystemBacking {
	return &SystemBacking{data: make(map[uintptr][]byte)}
}

func (s *SystemBacking) Alloc(req Request) (Response, error) {
	pitch := req.Pitch
	if pitch == 0 {
		pitch = req.Width
	}
	// NV12: Y plane of pitch*height, plus a half-height interleaved CbCr
	// plane, plus slack for page alignment of the two plane pointers.
	size := pitch*req.Height*3/2 + 4096

	id := nextSystemID.Add(1)
	buf := make([]byte, size)

	s.mu.Lock()
	s.data[id] = buf
	s.mu.Unlock()

	return Response{
		Handle: handle{backingName: "system", id: id},
		Width:  req.Width,
		Height: req.Height,
		Pitch:  pitch,
	}, nil
}

func (s *SystemBacking) Free(resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, resp.Handle.ID())
	return nil
}

func (s *SystemBacking) Lock(resp Response) (Planes, error) {
	s.mu.Lock()
	buf, ok := s.data[resp.Handle.ID()]
	s.mu.Unlock()
	if !ok {
		return Planes{}, ErrUnsupportedBacking
	}

	ySize := resp.Pitch * resp.Height
	return Planes{
		Y:     buf[:ySize],
		CbCr:  buf[ySize : ySize+ySize/2],
		Pitch: resp.Pitch,
	}, nil
}

func (s *SystemBacking) Unlock(resp Response) error { return nil }
