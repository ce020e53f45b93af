//go:build go1.21

package gpumem

import (
	"sync"

	"github.com/emberforge/ember/internal/debug"
	"github.com/emberforge/ember/internal/xsync"
)

// scheduled is one allocation awaiting release once its frame retires.
type scheduled struct {
	res   MemoryResult
	frame uint64
}

// DestroyQueue defers every [Suballocator] free until the GPU frame that
// last used the memory is known to have retired, moving each allocation
// through Live -> ScheduledForFree(frame) -> Freed.
//
// Schedule and the bucket bookkeeping in BeginFrame run under an internal
// mutex, so Schedule may be called from several goroutines; BeginFrame
// frees the retired memory after releasing that mutex.
type DestroyQueue struct {
	alloc *Suballocator

	framesInFlight uint64
	current        uint64

	mu      sync.Mutex
	buckets [][]scheduled // ring of length framesInFlight+1

	bufPool xsync.Pool[[]MemoryResult]
}

// NewDestroyQueue constructs a destroy queue over alloc that retains
// frees for framesInFlight frames before actually releasing memory --
// matching however many frames the caller keeps in flight on the GPU
// before reusing their resources is safe.
func NewDestroyQueue(alloc *Suballocator, framesInFlight uint64) *DestroyQueue {
	if framesInFlight == 0 {
		framesInFlight = 1
	}

	return &DestroyQueue{
		alloc:          alloc,
		framesInFlight: framesInFlight,
		buckets:        make([][]scheduled, framesInFlight+1),
		bufPool: xsync.Pool[[]MemoryResult]{
			New:   func() *[]MemoryResult { s := make([]MemoryResult, 0, 16); return &s },
			Reset: func(s *[]MemoryResult) { *s = (*s)[:0] },
		},
	}
}

// Schedule marks res as no longer in use as of the current frame; it will
// actually be freed once BeginFrame has advanced framesInFlight frames
// past this call.
func (q *DestroyQueue) Schedule(res MemoryResult) {
	q.mu.Lock()
	defer q.mu.Unlock()

	bucket := q.current % uint64(len(q.buckets))
	q.buckets[bucket] = append(q.buckets[bucket], scheduled{res: res, frame: q.current})

	debug.Log(nil, "Schedule", "deferred free of %d bytes scheduled at frame %d", res.Size, q.current)
}

// BeginFrame advances the queue to frame, draining and actually freeing
// every allocation scheduled at or before frame-framesInFlight, then
// sweeping the suballocator for super-blocks left empty by those frees.
//
// frame must be monotonically increasing across calls; the caller is
// responsible for knowing the corresponding GPU fence has signaled before
// advancing past the frame that used the freed memory.
func (q *DestroyQueue) BeginFrame(frame uint64) {
	q.mu.Lock()
	q.current = frame

	retired := q.bufPool.Get()
	defer func() {
		*retired = (*retired)[:0]
		q.bufPool.Put(retired)
	}()

	if frame >= q.framesInFlight {
		cutoff := frame - q.framesInFlight
		for i, bucket := range q.buckets {
			for _, s := range bucket {
				if s.frame <= cutoff {
					*retired = append(*retired, s.res)
				}
			}
			if len(bucket) > 0 {
				q.buckets[i] = remainingAfter(bucket, cutoff)
			}
		}
	}
	q.mu.Unlock()

	for _, res := range *retired {
		q.alloc.free(res)
	}

	if len(*retired) > 0 {
		q.alloc.CollectEmptySuperBlocks()
		debug.Log(nil, "BeginFrame", "freed %d allocations retired by frame %d", len(*retired), frame)
	}
}

func remainingAfter(bucket []scheduled, cutoff uint64) []scheduled {
	kept := bucket[:0]
	for _, s := range bucket {
		if s.frame > cutoff {
			kept = append(kept, s)
		}
	}
	return kept
}
