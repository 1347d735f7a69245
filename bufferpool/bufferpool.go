// Package bufferpool mediates all page I/O: it owns a fixed pool of
// frames mapping on-disk page files to in-memory pages, with pinning and
// LRU-with-pin-skip eviction. No caller reads or writes a page file
// directly — every access routes through a BufferPool.
package bufferpool

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/arrowlake/lstore/page"
)

// ErrNoFrame is returned when the pool has no unpinned frame to evict
// (spec.md's CapacityExhausted error kind). Fatal to the calling
// operation; the caller's transaction aborts.
var ErrNoFrame = errors.New("bufferpool: no free or evictable frame")

// Frame is a buffer-pool cell: holds at most one page, its on-disk path,
// a pin count, a dirty bit, and a write latch serializing in-place
// modification of the page it holds.
type Frame struct {
	writeLatch sync.Mutex // serializes writes to Page
	path       string
	page       *page.Page
	pinCount   int
	dirty      bool
}

// Path returns the on-disk path this frame currently maps, or "" if unloaded.
func (f *Frame) Path() string { return f.path }

// Pinned reports whether the frame currently has an outstanding pin.
func (f *Frame) Pinned() bool { return f.pinCount > 0 }

// BufferPool owns MaxFrames frames and mediates all access to them.
type BufferPool struct {
	mu        sync.Mutex // bufferpool_latch: guards frames/queues/frameMap
	frames    []*Frame
	freeQueue []int          // frame indices never used, or freshly evicted
	usedQueue []int          // frame indices mapping a page, rough LRU arrival order
	frameMap  map[string]int // page path -> frame index
}

// New creates a buffer pool with exactly maxFrames frames, all initially free.
func New(maxFrames int) *BufferPool {
	bp := &BufferPool{
		frames:    make([]*Frame, maxFrames),
		freeQueue: make([]int, maxFrames),
		frameMap:  make(map[string]int, maxFrames),
	}
	for i := 0; i < maxFrames; i++ {
		bp.frames[i] = &Frame{}
		bp.freeQueue[i] = i
	}
	return bp
}

// GetPageFrame returns a pinned frame index containing the page at path,
// loading it from disk (or creating it empty) if necessary. Callers MUST
// call MarkFrameUsed exactly once to release the pin.
func (bp *BufferPool) GetPageFrame(path string) (int, error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return bp.getPageFrameLocked(path)
}

func (bp *BufferPool) getPageFrameLocked(path string) (int, error) {
	if idx, ok := bp.frameMap[path]; ok {
		f := bp.frames[idx]
		f.pinCount++
		return idx, nil
	}
	return bp.loadFrameLocked(path)
}

// loadFrameLocked implements __load_new_frame: acquire a free frame
// (running replacement if none is free), pin it, load-or-create its
// page, and register it in frameMap/usedQueue.
func (bp *BufferPool) loadFrameLocked(path string) (int, error) {
	idx, err := bp.acquireFreeFrameLocked()
	if err != nil {
		return 0, err
	}

	f := bp.frames[idx]
	f.pinCount = 1

	p, dirty, err := loadOrCreatePage(path)
	if err != nil {
		// Return the frame to the free pool; the load never happened.
		f.pinCount = 0
		bp.freeQueue = append(bp.freeQueue, idx)
		return 0, err
	}
	f.path = path
	f.page = p
	f.dirty = dirty

	bp.frameMap[path] = idx
	bp.usedQueue = append(bp.usedQueue, idx)
	return idx, nil
}

func loadOrCreatePage(path string) (*page.Page, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// New page file: an empty page, dirty so the file gets created on eviction.
			return page.New(), true, nil
		}
		return nil, false, fmt.Errorf("bufferpool: read %s: %w", path, err)
	}
	p, err := page.Deserialize(data)
	if err != nil {
		return nil, false, fmt.Errorf("bufferpool: %w", err)
	}
	return p, false, nil
}

// acquireFreeFrameLocked pops a free frame, running the replacement
// policy if none are free. Must be called under bp.mu.
func (bp *BufferPool) acquireFreeFrameLocked() (int, error) {
	if len(bp.freeQueue) > 0 {
		idx := bp.freeQueue[0]
		bp.freeQueue = bp.freeQueue[1:]
		return idx, nil
	}
	return bp.replacementPolicyLocked()
}

// replacementPolicyLocked implements LRU-with-pin-skip: pop the front of
// usedQueue; if unpinned, evict (flush if dirty) and return it; if
// pinned, requeue at the tail and try the next. Failure after a full
// rotation is ErrNoFrame.
func (bp *BufferPool) replacementPolicyLocked() (int, error) {
	attempts := len(bp.usedQueue)
	for i := 0; i < attempts; i++ {
		idx := bp.usedQueue[0]
		bp.usedQueue = bp.usedQueue[1:]
		f := bp.frames[idx]

		if f.pinCount > 0 {
			bp.usedQueue = append(bp.usedQueue, idx)
			continue
		}

		if f.dirty {
			if err := flushFrame(f); err != nil {
				// Put it back so the pool stays consistent; surface the error.
				bp.usedQueue = append(bp.usedQueue, idx)
				return 0, fmt.Errorf("bufferpool: evict %s: %w", f.path, err)
			}
		}
		delete(bp.frameMap, f.path)
		f.path = ""
		f.page = nil
		f.dirty = false
		return idx, nil
	}
	return 0, ErrNoFrame
}

func flushFrame(f *Frame) error {
	buf, err := f.page.Serialize()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dirOf(f.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.path, buf, 0o644)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// MarkFrameUsed releases one pin previously obtained on frameIdx.
func (bp *BufferPool) MarkFrameUsed(frameIdx int) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	f := bp.frames[frameIdx]
	if f.pinCount > 0 {
		f.pinCount--
	}
}

// ReadPageSlot returns the value at slot of the page at path, pinning
// and unpinning internally.
func (bp *BufferPool) ReadPageSlot(path string, slot int) (int64, error) {
	bp.mu.Lock()
	idx, err := bp.getPageFrameLocked(path)
	if err != nil {
		bp.mu.Unlock()
		return 0, err
	}
	f := bp.frames[idx]
	bp.mu.Unlock()

	f.writeLatch.Lock()
	v, err := f.page.Get(slot)
	f.writeLatch.Unlock()

	bp.MarkFrameUsed(idx)
	return v, err
}

// WritePageNext appends value to the page at path and returns the slot it landed in.
func (bp *BufferPool) WritePageNext(path string, value int64) (int, error) {
	bp.mu.Lock()
	idx, err := bp.getPageFrameLocked(path)
	if err != nil {
		bp.mu.Unlock()
		return 0, err
	}
	f := bp.frames[idx]
	bp.mu.Unlock()

	f.writeLatch.Lock()
	slot, err := f.page.Write(value)
	if err == nil {
		f.dirty = true
	}
	f.writeLatch.Unlock()

	bp.MarkFrameUsed(idx)
	return slot, err
}

// WritePageSlot overwrites an existing slot of the page at path.
func (bp *BufferPool) WritePageSlot(path string, slot int, value int64) error {
	bp.mu.Lock()
	idx, err := bp.getPageFrameLocked(path)
	if err != nil {
		bp.mu.Unlock()
		return err
	}
	f := bp.frames[idx]
	bp.mu.Unlock()

	f.writeLatch.Lock()
	err = f.page.WritePrecise(slot, value)
	if err == nil {
		f.dirty = true
	}
	f.writeLatch.Unlock()

	bp.MarkFrameUsed(idx)
	return err
}

// GetPageHasCapacity reports whether the page at path can accept another append.
func (bp *BufferPool) GetPageHasCapacity(path string) (bool, error) {
	bp.mu.Lock()
	idx, err := bp.getPageFrameLocked(path)
	if err != nil {
		bp.mu.Unlock()
		return false, err
	}
	f := bp.frames[idx]
	bp.mu.Unlock()

	f.writeLatch.Lock()
	has := f.page.HasCapacity()
	f.writeLatch.Unlock()

	bp.MarkFrameUsed(idx)
	return has, nil
}

// UnloadAllFrames flushes every unpinned frame. Used at clean shutdown.
// It is fatal (returns an error) if any frame remains pinned, since that
// indicates a caller leaked a pin.
func (bp *BufferPool) UnloadAllFrames() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, idx := range bp.usedQueue {
		f := bp.frames[idx]
		if f.pinCount > 0 {
			return fmt.Errorf("bufferpool: frame for %s still pinned at shutdown", f.path)
		}
		if f.dirty {
			if err := flushFrame(f); err != nil {
				return fmt.Errorf("bufferpool: flush %s: %w", f.path, err)
			}
			f.dirty = false
		}
	}
	return nil
}

// Quiescent reports whether every frame currently has pin_count == 0
// (Testable Property 5). Intended for tests asserting pin balance.
func (bp *BufferPool) Quiescent() bool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, f := range bp.frames {
		if f.pinCount != 0 {
			return false
		}
	}
	return true
}
