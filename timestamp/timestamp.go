/*
NAME
  timestamp.go

DESCRIPTION
  timestamp provides the output timestamp manager: it derives a frame rate
  from observed surface timestamps, detects PTS vs. DTS sequences, tracks
  inverse-telecine (IVTC/field-repeat) mode, and assigns each decoded
  surface a monotonic presentation timestamp (spec.md §4.3).

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package timestamp implements the decoder's output timestamp manager,
// ported from original_source/TimeManager.{h,cpp} (CDecTimeManager) into
// idiomatic Go: the multiset of pending output timestamps becomes a sorted
// slice (ascending, duplicates kept), and the protected/private C++ fields
// become unexported struct fields mutated under a single mutex.
package timestamp

import (
	"math"
	"sort"
	"sync"
	"time"
)

// referenceUnitsPerSecond is the 100ns "reference time" tick rate shared
// with bitstream's media-time conversions.
const referenceUnitsPerSecond = 1e7

// InvalidTime is the sentinel for "no timestamp", mirroring
// original_source/TimeManager.h's INVALID_REFTIME.
const InvalidTime = time.Duration(math.MinInt64)

// fps2997 and fps23976 are the canonical NTSC frame rates used when
// entering/leaving inverse telecine, sourced verbatim from
// original_source/TimeManager.cpp (CDecTimeManager::fps2997/fps23976).
const (
	fps2997  = 30.0 * 1000.0 / 1001.0
	fps23976 = 24.0 * 1000.0 / 1001.0
)

// minSamplesForAverageRate is the sample-set size CalcFrameRate requires
// before it trusts an averaged frame rate over the declared one.
const minSamplesForAverageRate = 8

// minSamplesForRateRecompute is the pending-output-timestamp queue size
// CalcCurrentFrameRate requires before it will attempt a recompute.
const minSamplesForRateRecompute = 4

// deltaConsistencyTolerance is the maximum deviation between consecutive
// output-timestamp deltas CalcCurrentFrameRate tolerates before discarding
// the recompute as unreliable (original_source/TimeManager.cpp's 12000
// reftime units, i.e. 1.2ms).
const deltaConsistencyTolerance = time.Duration(12000)

// Sample is one surface's observed decode-order timestamp, fed to
// CalcFrameRate/Emit in decode order.
type Sample struct {
	// RefTime is the surface's source timestamp in 100ns units, or
	// InvalidTime if the source did not supply one.
	RefTime time.Duration

	// FieldRepeated mirrors PictureStructure's FieldRepeated flag: the
	// decoder doubled this surface because of 3:2 pulldown, signalling
	// telecined content (spec.md §4.3, "IVTC entry").
	FieldRepeated bool

	// Progressive is false for interlaced/field content; CalcFrameRate only
	// treats a 2x frame rate mismatch as field-doubling when the picture
	// isn't progressive (original_source/TimeManager.cpp's
	// PicStruct != MFX_PICSTRUCT_PROGRESSIVE check).
	Progressive bool
}

// Manager assigns monotonic output timestamps to a stream of decoded
// surfaces, deriving frame rate from observation and tracking IVTC state.
// The zero value is not usable; construct with New.
type Manager struct {
	mu sync.Mutex

	declaredFrameRate float64 // from the media type, 0 if unknown.
	frameRate         float64
	validFrameRate    bool

	ivtc          bool
	ivtcEnabled   bool
	fieldDoubling int // frames seen since the last field-repeated surface.

	isPTS      bool
	prevStart  time.Duration
	outputTime []time.Duration // ascending, duplicates kept; analogue of TSortedTimeStamps.

	outputFrames int
}

// New returns a Manager. enableIVTC matches the original's constructor
// default (bEnableIvtc = true): when false, SetInverseTelecine never
// engages IVTC mode regardless of observed field-repeat flags.
func New(enableIVTC bool) *Manager {
	m := &Manager{ivtcEnabled: enableIVTC}
	m.reset()
	return m
}

func (m *Manager) reset() {
	m.outputFrames = -1
	m.outputTime = m.outputTime[:0]
	m.validFrameRate = false
	m.fieldDoubling = 0
	m.prevStart = InvalidTime
	m.setInverseTelecine(false)
}

// Reset clears all derived state, required after a flush/seek so the next
// Emit treats its input as the start of a new segment (spec.md §4.6).
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

// SetFrameRate seeds the frame rate from the media type ahead of any
// observed samples. isFields halves a sub-30fps rate, matching
// CDecTimeManager::SetFrameRate's per-field-rate convention.
func (m *Manager) SetFrameRate(frameRate float64, isFields bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if isFields && frameRate < 30.0 {
		frameRate /= 2
	}
	m.frameRate = frameRate
	m.declaredFrameRate = frameRate
}

// OnVideoParamsChanged re-seeds the frame rate after a mid-stream format
// change and leaves inverse telecine (spec.md §4.3, "reinitialize on
// OnVideoParamsChanged").
func (m *Manager) OnVideoParamsChanged(frameRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if frameRate < 1 {
		return
	}
	m.fixFrameRate(frameRate)
	m.setInverseTelecine(false)
}

// InverseTelecine reports whether the manager is currently in IVTC mode.
func (m *Manager) InverseTelecine() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ivtc
}

// FrameRate reports the currently active frame rate.
func (m *Manager) FrameRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frameRate
}

// setInverseTelecine mirrors CDecTimeManager::SetInverseTelecine: entering
// IVTC pins the frame rate to the 23.976 NTSC film rate, leaving it
// restores 29.97.
func (m *Manager) setInverseTelecine(want bool) {
	want = want && m.ivtcEnabled
	if want == m.ivtc {
		return
	}
	m.ivtc = want
	if m.ivtc {
		m.fixFrameRate(fps23976)
	} else {
		m.fixFrameRate(fps2997)
	}
}

// fixFrameRate applies a new frame rate, sliding prevStart so the next
// computed delta reflects the new rate rather than the old one
// (original_source/TimeManager.cpp::FixFrameRate).
func (m *Manager) fixFrameRate(frameRate float64) {
	if math.Abs(m.frameRate-frameRate) < 0.001 {
		return
	}
	if m.frameRate > 1 && m.prevStart != InvalidTime {
		m.prevStart += refDelta(m.frameRate)
		m.prevStart -= refDelta(frameRate)
	}
	m.frameRate = frameRate
}

func refDelta(frameRate float64) time.Duration {
	return time.Duration(0.5 + referenceUnitsPerSecond/frameRate)
}

// calcFrameRate derives m.frameRate and m.isPTS from the current sample and
// the still-pending queue, ported from
// original_source/TimeManager.cpp::CalcFrameRate. pending holds the
// RefTimes of surfaces already seen but not yet emitted, in decode order.
func (m *Manager) calcFrameRate(current Sample, pending []time.Duration) {
	if m.validFrameRate {
		return
	}
	m.frameRate = m.declaredFrameRate

	m.isPTS = true
	prev := current.RefTime
	for _, t := range pending {
		if prev != InvalidTime && t < prev {
			m.isPTS = false
			break
		}
		prev = t
	}

	seen := map[time.Duration]bool{}
	if current.RefTime != InvalidTime {
		seen[current.RefTime] = true
	}
	for _, t := range pending {
		if t != InvalidTime {
			seen[t] = true
		}
	}

	avgFrameRate := m.frameRate
	if len(seen) >= minSamplesForAverageRate {
		lo, hi := extremes(seen)
		if hi > lo {
			avgFrameRate = (referenceUnitsPerSecond * float64(len(m.outputTime)-1)) / float64(hi-lo)
		}
	}

	switch {
	case m.frameRate > 1.0:
		if inRange(m.frameRate, avgFrameRate*1.9, avgFrameRate*2.1) && !current.Progressive {
			m.frameRate /= 2
		}
	case m.isPTS:
		m.frameRate = 0
	default:
		m.frameRate = avgFrameRate
	}

	m.validFrameRate = true
}

// calcCurrentFrameRate periodically re-derives the frame rate from the
// accumulated output-timestamp queue, ported from
// original_source/TimeManager.cpp::CalcCurrentFrameRate: it requires at
// least minSamplesForRateRecompute pending timestamps, all of nQueuedFrames
// already recorded, and every pair of consecutive deltas to agree within
// deltaConsistencyTolerance before it trusts the recomputed rate, snapping
// to the canonical NTSC rates when the current rate is already close to one
// of them.
func (m *Manager) calcCurrentFrameRate(nQueuedFrames int) (float64, bool) {
	n := len(m.outputTime)
	if n < minSamplesForRateRecompute || nQueuedFrames > n {
		return 0, false
	}

	deltas := make([]time.Duration, 0, n-1)
	prev := m.outputTime[0]
	for _, t := range m.outputTime[1:] {
		deltas = append(deltas, t-prev)
		prev = t
	}

	d := deltas[0]
	for _, dt := range deltas[1:] {
		if absDuration(d-dt) > deltaConsistencyTolerance {
			return 0, false
		}
		d = dt
	}

	tmpFrameRate := (referenceUnitsPerSecond * float64(len(deltas))) / float64(m.outputTime[n-1]-m.outputTime[0])
	if math.Abs(tmpFrameRate-m.frameRate) <= 1 {
		return 0, false
	}

	switch {
	case inRange(m.frameRate, 59.93, 59.95), inRange(m.frameRate, 29.96, 29.98), inRange(m.frameRate, 23.96, 23.98):
		switch {
		case inRange(tmpFrameRate, 28.0, 32.0):
			tmpFrameRate = fps2997
		case inRange(tmpFrameRate, 22.0, 26.0):
			tmpFrameRate = fps23976
		default:
			tmpFrameRate = math.Floor(tmpFrameRate + 0.5)
		}
	default:
		tmpFrameRate = math.Floor(tmpFrameRate + 0.5)
	}

	return tmpFrameRate, true
}

func extremes(set map[time.Duration]bool) (lo, hi time.Duration) {
	first := true
	for t := range set {
		if first {
			lo, hi = t, t
			first = false
			continue
		}
		if t < lo {
			lo = t
		}
		if t > hi {
			hi = t
		}
	}
	return lo, hi
}

func inRange(v, lo, hi float64) bool { return v >= lo && v <= hi }

// AddOutputTimeStamp records a surface's source timestamp as a pending
// output candidate, used to derive timestamps for frames whose own source
// timestamp is invalid (original_source/TimeManager.cpp::AddOutputTimeStamp).
func (m *Manager) AddOutputTimeStamp(refTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if refTime == InvalidTime {
		return
	}
	m.insertSorted(refTime)
}

func (m *Manager) insertSorted(t time.Duration) {
	i := sort.Search(len(m.outputTime), func(i int) bool { return m.outputTime[i] >= t })
	m.outputTime = append(m.outputTime, 0)
	copy(m.outputTime[i+1:], m.outputTime[i:])
	m.outputTime[i] = t
}

func (m *Manager) popSmallest() (time.Duration, bool) {
	if len(m.outputTime) == 0 {
		return 0, false
	}
	t := m.outputTime[0]
	m.outputTime = m.outputTime[1:]
	return t, true
}

// Emit computes the output presentation timestamp for sample, given the
// RefTimes of surfaces already observed but not yet emitted (in decode
// order, most recent last). It returns ok=false when the frame must be
// dropped per spec.md §4.3 step 5 ("no derivable timestamp").
//
// The five steps below mirror
// original_source/TimeManager.cpp::GetSampleTimeStamp exactly:
//  1. lazily compute the frame rate and PTS/DTS classification;
//  2. update IVTC state from the field-repeat flag;
//  3. handle the first frame of a new sequence (from PTS, from a future
//     queued timestamp, or from the smallest pending output timestamp);
//  4. handle subsequent frames by periodically re-deriving the frame rate
//     from the pending output-timestamp queue (calcCurrentFrameRate), then
//     stepping prevStart by 1/frameRate and consuming the smallest pending
//     output timestamp when it lies before, or within 2.5ms of, the stepped
//     value, which is emitted unchanged;
//  5. fail if no timestamp could be derived.
func (m *Manager) Emit(sample Sample, pending []time.Duration) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calcFrameRate(sample, pending)

	if sample.FieldRepeated {
		m.setInverseTelecine(true)
		m.fieldDoubling = 0
	} else {
		m.fieldDoubling++
		if m.fieldDoubling > 1 {
			m.setInverseTelecine(false)
		}
	}

	m.outputFrames++

	if sample.RefTime == InvalidTime && m.prevStart == InvalidTime {
		return InvalidTime, false
	}

	start := sample.RefTime

	if m.prevStart == InvalidTime {
		if m.isPTS {
			switch {
			case sample.RefTime != InvalidTime:
				start = sample.RefTime
				m.removeExact(sample.RefTime)
			case len(m.outputTime) > 0:
				start = m.outputTime[0]
				count := 0
				for _, t := range pending {
					count++
					if t == start {
						break
					}
				}
				start -= time.Duration(0.5 + referenceUnitsPerSecond*float64(count)/m.frameRate)
			default:
				return InvalidTime, false
			}
		} else {
			t, ok := m.popSmallest()
			if !ok {
				return InvalidTime, false
			}
			start = t
		}
	} else {
		if tmp, ok := m.calcCurrentFrameRate(1 + len(pending)); ok {
			m.fixFrameRate(tmp)
		}

		if m.frameRate > 0 || sample.RefTime == InvalidTime {
			start = m.prevStart + refDelta(m.frameRate)
			if len(m.outputTime) > 0 {
				head := m.outputTime[0]
				if head < start || absDuration(head-start) < time.Duration(25000) { // 2.5ms in 100ns units.
					m.outputTime = m.outputTime[1:]
				}
			}
		} else {
			t, ok := m.popSmallest()
			if !ok {
				return InvalidTime, false
			}
			start = t
		}
	}

	m.prevStart = start
	return start, true
}

func (m *Manager) removeExact(t time.Duration) {
	for i, v := range m.outputTime {
		if v == t {
			m.outputTime = append(m.outputTime[:i], m.outputTime[i+1:]...)
			return
		}
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// ConvertRefTimeToMedia converts a 100ns reference-time value to the 90kHz
// decoder media-time domain, matching
// original_source/TimeManager.h::ConvertReferenceTime2MFXTime.
func ConvertRefTimeToMedia(t time.Duration) uint64 {
	if t == InvalidTime {
		return ^uint64(0)
	}
	return uint64((float64(t) / referenceUnitsPerSecond) * mediaTimeFrequency)
}

// ConvertMediaToRefTime converts a 90kHz media timestamp back to 100ns
// reference time, matching
// original_source/TimeManager.h::ConvertMFXTime2ReferenceTime.
func ConvertMediaToRefTime(media uint64) time.Duration {
	if media == ^uint64(0) {
		return InvalidTime
	}
	return time.Duration((float64(media) / mediaTimeFrequency) * referenceUnitsPerSecond)
}

const mediaTimeFrequency = 90000
