package workerpool

import "github.com/ausocean/qsdecoder/memcopy"

// CopyTask splits a copy of src into dst across Pool workers, one
// contiguous 16-byte-aligned block per worker. It implements Task.
type CopyTask struct {
	Dst, Src []byte
	Blocks   []memcopy.Block
	Stream   bool // use the streaming-load path rather than regular copy.
}

// NewCopyTask builds a CopyTask split into up to workers blocks. Below
// memcopy.MTThreshold the caller should run the copy single-threaded
// instead of constructing a CopyTask (see RunCopy).
func NewCopyTask(dst, src []byte, workers int, stream bool) *CopyTask {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	return &CopyTask{
		Dst:    dst,
		Src:    src,
		Blocks: memcopy.SplitBlocks(n, workers),
		Stream: stream,
	}
}

func (t *CopyTask) TaskCount() int { return len(t.Blocks) }

func (t *CopyTask) RunTask(i int) {
	b := t.Blocks[i]
	dst := t.Dst[b.Offset : b.Offset+b.Length]
	src := t.Src[b.Offset : b.Offset+b.Length]
	if t.Stream {
		memcopy.Streaming(dst, src)
	} else {
		memcopy.Regular(dst, src)
	}
}

// RunCopy copies src into dst, using pool for ranges at or above
// memcopy.MTThreshold and a direct single-threaded copy below it (spec.md
// §4.4: "a minimum threshold (64 KiB) falls back to single-threaded copy").
// If pool is nil, the copy always runs single-threaded.
func RunCopy(pool *Pool, dst, src []byte, stream bool) int {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	if pool == nil || n < memcopy.MTThreshold {
		if stream {
			return memcopy.Streaming(dst[:n], src[:n])
		}
		return memcopy.Regular(dst[:n], src[:n])
	}

	task := NewCopyTask(dst[:n], src[:n], pool.Size(), stream)
	pool.Run(task)
	return n
}
