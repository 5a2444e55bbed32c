package timestamp

import (
	"testing"
	"time"
)

func TestEmitMonotonicPTSSequence(t *testing.T) {
	m := New(true)
	m.SetFrameRate(30, false)

	base := 10 * time.Second
	step := time.Second / 30

	var prev time.Duration
	for i := 0; i < 5; i++ {
		s := Sample{RefTime: base + time.Duration(i)*step, Progressive: true}
		out, ok := m.Emit(s, nil)
		if !ok {
			t.Fatalf("frame %d: expected ok", i)
		}
		if i > 0 && out <= prev {
			t.Fatalf("frame %d: timestamp %v not increasing from %v", i, out, prev)
		}
		prev = out
	}
}

func TestIVTCEntryAndExit(t *testing.T) {
	m := New(true)
	m.SetFrameRate(29.97, false)

	base := time.Second
	step := refDelta(29.97)

	// First frame: establish prevStart.
	if _, ok := m.Emit(Sample{RefTime: base, Progressive: true}, nil); !ok {
		t.Fatal("first frame should succeed")
	}

	// A run of field-repeated (telecined) frames should enter IVTC and pin
	// the rate to 23.976.
	for i := 0; i < 3; i++ {
		s := Sample{RefTime: base + time.Duration(i+1)*step, FieldRepeated: true}
		if _, ok := m.Emit(s, nil); !ok {
			t.Fatalf("telecined frame %d should succeed", i)
		}
	}
	if !m.InverseTelecine() {
		t.Fatal("expected IVTC to be entered after field-repeated frames")
	}
	if got := m.FrameRate(); got != fps23976 {
		t.Fatalf("frame rate = %v, want %v", got, fps23976)
	}

	// Two consecutive non-repeated frames should leave IVTC
	// (m_nLastSeenFieldDoubling > 1).
	for i := 0; i < 2; i++ {
		s := Sample{RefTime: base + time.Duration(i+10)*step, Progressive: true}
		m.Emit(s, nil)
	}
	if m.InverseTelecine() {
		t.Fatal("expected IVTC to be left after two progressive frames")
	}
	if got := m.FrameRate(); got != fps2997 {
		t.Fatalf("frame rate = %v, want %v", got, fps2997)
	}
}

func TestIVTCDisabledNeverEngages(t *testing.T) {
	m := New(false)
	m.SetFrameRate(29.97, false)
	base := time.Second

	m.Emit(Sample{RefTime: base}, nil)
	m.Emit(Sample{RefTime: base + time.Second/30, FieldRepeated: true}, nil)

	if m.InverseTelecine() {
		t.Fatal("IVTC must never engage when disabled at construction")
	}
}

func TestAllInvalidInputsDropAllFrames(t *testing.T) {
	m := New(true)
	m.SetFrameRate(30, false)

	for i := 0; i < 4; i++ {
		_, ok := m.Emit(Sample{RefTime: InvalidTime}, nil)
		if ok {
			t.Fatalf("frame %d: expected drop with no derivable timestamp", i)
		}
	}
}

func TestSubsequentFrameKeepsSteppedValueNearPendingTimestamp(t *testing.T) {
	m := New(true)
	m.SetFrameRate(30, false)

	base := time.Second
	if _, ok := m.Emit(Sample{RefTime: base, Progressive: true}, nil); !ok {
		t.Fatal("first frame should succeed")
	}

	// A pending output timestamp within 2.5ms of the stepped prediction
	// should be consumed and the stepped value still used, matching
	// original_source/TimeManager.cpp::GetSampleTimeStamp's nudge check.
	predicted := base + refDelta(30)
	m.AddOutputTimeStamp(predicted + time.Microsecond)

	out, ok := m.Emit(Sample{RefTime: InvalidTime, Progressive: true}, nil)
	if !ok {
		t.Fatal("expected a derived timestamp for the second frame")
	}
	if out != predicted {
		t.Fatalf("out = %v, want %v", out, predicted)
	}
}

func TestResetClearsPendingState(t *testing.T) {
	m := New(true)
	m.SetFrameRate(30, false)
	m.Emit(Sample{RefTime: time.Second}, nil)
	m.Reset()

	// After Reset, prevStart is InvalidTime again, so an invalid-RefTime
	// sample with nothing pending must be dropped exactly as at stream start.
	_, ok := m.Emit(Sample{RefTime: InvalidTime}, nil)
	if ok {
		t.Fatal("expected drop immediately after Reset with no pending timestamps")
	}
}

func TestConvertRefTimeMediaRoundTrip(t *testing.T) {
	rt := 2 * time.Second
	media := ConvertRefTimeToMedia(rt)
	back := ConvertMediaToRefTime(media)
	if d := absDuration(back - rt); d > time.Microsecond {
		t.Fatalf("round trip drifted by %v", d)
	}
}

func TestConvertInvalidSentinelsRoundTrip(t *testing.T) {
	if ConvertRefTimeToMedia(InvalidTime) != ^uint64(0) {
		t.Fatal("expected invalid media sentinel")
	}
	if ConvertMediaToRefTime(^uint64(0)) != InvalidTime {
		t.Fatal("expected InvalidTime sentinel")
	}
}
