package pipeline

import "github.com/ausocean/qsdecoder/surface"

// reorderQueue is the OutputSurfaceQueue of spec.md §3: surfaces enqueued
// in decode order but drained in presentation order. Mutated only from the
// post-process worker and from the controller under the big lock (spec.md
// §5 "Shared resources").
type reorderQueue struct {
	surfaces []*surface.Surface // kept sorted ascending by Timestamp.
}

// push inserts s in ascending-Timestamp position.
func (q *reorderQueue) push(s *surface.Surface) {
	i := 0
	for i < len(q.surfaces) && q.surfaces[i].Timestamp <= s.Timestamp {
		i++
	}
	q.surfaces = append(q.surfaces, nil)
	copy(q.surfaces[i+1:], q.surfaces[i:])
	q.surfaces[i] = s
}

// popOldest removes and returns the smallest-Timestamp surface.
func (q *reorderQueue) popOldest() (*surface.Surface, bool) {
	if len(q.surfaces) == 0 {
		return nil, false
	}
	s := q.surfaces[0]
	q.surfaces = q.surfaces[1:]
	return s, true
}

func (q *reorderQueue) len() int { return len(q.surfaces) }

// clear drops all entries, releasing each surface's external lock, used by
// the flush protocol (spec.md §4.6 "clear reorder set").
func (q *reorderQueue) clear() {
	for _, s := range q.surfaces {
		s.UnlockExternal()
		s.SetQueued(false)
	}
	q.surfaces = nil
}
