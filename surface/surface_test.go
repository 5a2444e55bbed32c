package surface

import (
	"context"
	"testing"
	"time"
)

type fakeHandle uintptr

func (h fakeHandle) ID() uintptr { return uintptr(h) }

func newPool(n int) (*Pool, []*Surface) {
	surfaces := make([]*Surface, n)
	for i := range surfaces {
		surfaces[i] = &Surface{ID: i, Handle: fakeHandle(i + 1)}
	}
	return New(surfaces), surfaces
}

func TestFreeInvariants(t *testing.T) {
	_, surfaces := newPool(1)
	s := surfaces[0]
	if !s.Free() {
		t.Fatal("fresh surface should be free")
	}
	s.LockExternal()
	if s.Free() {
		t.Fatal("externally locked surface should not be free")
	}
	s.UnlockExternal()
	s.LockInternal()
	if s.Free() {
		t.Fatal("internally locked surface should not be free")
	}
	s.UnlockInternal()
	s.SetQueued(true)
	if s.Free() {
		t.Fatal("queued surface should not be free")
	}
	s.SetQueued(false)
	if !s.Free() {
		t.Fatal("surface should be free again")
	}
}

// TestFindFreeNeverReturnsQueuedSurface exercises the S3 invariant: a
// surface observed in the output-reorder queue is never returned by
// FindFree.
func TestFindFreeNeverReturnsQueuedSurface(t *testing.T) {
	pool, surfaces := newPool(2)
	surfaces[0].SetQueued(true)

	got, err := pool.FindFree(context.Background())
	if err != nil {
		t.Fatalf("FindFree: %v", err)
	}
	if got != surfaces[1] {
		t.Fatalf("FindFree returned the queued surface")
	}
}

// TestFindFreeExhaustionReleasesPromptly exercises S5: surfaces held
// externally for 10ms are found the moment one is released, well within
// the ~1000x1ms retry budget.
func TestFindFreeExhaustionReleasesPromptly(t *testing.T) {
	pool, surfaces := newPool(4)
	for _, s := range surfaces {
		s.LockExternal()
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		surfaces[2].UnlockExternal()
	}()

	start := time.Now()
	got, err := pool.FindFree(context.Background())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("FindFree: %v", err)
	}
	if got != surfaces[2] {
		t.Fatalf("FindFree returned surface %d, want 2", got.ID)
	}
	if elapsed > time.Second {
		t.Fatalf("FindFree took %v, want well under 1s", elapsed)
	}
}

func TestFindFreeSustainedExhaustion(t *testing.T) {
	pool, surfaces := newPool(1)
	surfaces[0].LockExternal()
	pool.retryInterval = time.Microsecond
	pool.maxRetries = 10

	_, err := pool.FindFree(context.Background())
	if err != ErrNotEnoughBuffer {
		t.Fatalf("err = %v, want ErrNotEnoughBuffer", err)
	}
}

func TestFindFreeContextCancelled(t *testing.T) {
	pool, surfaces := newPool(1)
	surfaces[0].LockExternal()
	pool.retryInterval = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := pool.FindFree(ctx)
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}
