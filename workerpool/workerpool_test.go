package workerpool

import (
	"math/rand"
	"testing"
)

type sumTask struct {
	n      int
	counts []int
}

func (t *sumTask) TaskCount() int { return t.n }
func (t *sumTask) RunTask(i int)  { t.counts[i]++ }

func TestRunDispatchesAllSubtasks(t *testing.T) {
	p := Acquire(4)
	defer Release()

	task := &sumTask{n: 4, counts: make([]int, 4)}
	p.Run(task)
	for i, c := range task.counts {
		if c != 1 {
			t.Fatalf("subtask %d ran %d times, want 1", i, c)
		}
	}
}

func TestRunSingleSubtaskInline(t *testing.T) {
	p := Acquire(4)
	defer Release()

	task := &sumTask{n: 1, counts: make([]int, 1)}
	p.Run(task)
	if task.counts[0] != 1 {
		t.Fatalf("inline subtask ran %d times, want 1", task.counts[0])
	}
}

func TestAcquireReleaseRefcounting(t *testing.T) {
	p1 := Acquire(2)
	p2 := Acquire(2)
	if p1 != p2 {
		t.Fatal("Acquire should return the same process-wide pool")
	}
	Release()
	Release()

	p3 := Acquire(2)
	defer Release()
	if p3 == p1 {
		t.Fatal("pool should be recreated after refcount drops to zero")
	}
}

func TestRunCopyMatchesBuiltinCopy(t *testing.T) {
	p := Acquire(4)
	defer Release()

	src := make([]byte, 200000)
	rand.New(rand.NewSource(2)).Read(src)
	dst := make([]byte, len(src))

	n := RunCopy(p, dst, src, true)
	if n != len(src) {
		t.Fatalf("copied %d bytes, want %d", n, len(src))
	}
	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}
}

func TestRunCopyBelowThresholdSingleThreaded(t *testing.T) {
	src := []byte("small payload under threshold")
	dst := make([]byte, len(src))
	n := RunCopy(nil, dst, src, false)
	if n != len(src) || string(dst) != string(src) {
		t.Fatalf("copy mismatch: n=%d dst=%q", n, dst)
	}
}
