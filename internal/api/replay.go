package api

import (
	"sort"
	"sync"
)

type replayEntry struct {
	Seq  int64
	Data []byte
}

// ReplayBuffer keeps the most recent stream frames so a reconnecting client
// can resume from the last sequence it saw. Frames are pushed in increasing
// sequence order.
type ReplayBuffer struct {
	mu      sync.RWMutex
	entries []replayEntry
	limit   int
}

// NewReplayBuffer creates a buffer holding at most limit frames.
func NewReplayBuffer(limit int) *ReplayBuffer {
	if limit <= 0 {
		limit = 500
	}
	return &ReplayBuffer{entries: make([]replayEntry, 0, limit), limit: limit}
}

// Push records a frame, evicting the oldest once the buffer is at its limit.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.entries) == rb.limit {
		// shift in place; the backing array never grows past limit
		copy(rb.entries, rb.entries[1:])
		rb.entries = rb.entries[:rb.limit-1]
	}
	rb.entries = append(rb.entries, replayEntry{Seq: seq, Data: data})
}

// After returns a copy of the frames with seq > since, oldest first.
func (rb *ReplayBuffer) After(since int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	i := sort.Search(len(rb.entries), func(i int) bool { return rb.entries[i].Seq > since })
	if i == len(rb.entries) {
		return nil
	}
	out := make([]replayEntry, len(rb.entries)-i)
	copy(out, rb.entries[i:])
	return out
}

func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.entries)
}
