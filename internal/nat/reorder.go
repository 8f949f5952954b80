package nat

import (
	"container/heap"
	"fmt"
)

// DefaultMaxPending bounds how far ahead of the last delivered sequence a
// datagram may be before it is refused.
const DefaultMaxPending = 4096

type item struct {
	seq     uint32
	payload []byte
}

type seqHeap []item

func (h seqHeap) Len() int           { return len(h) }
func (h seqHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h seqHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x any)        { *h = append(*h, x.(item)) }
func (h *seqHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// ReorderBuffer releases sequenced payloads strictly in order, starting at 1.
// It is not safe for concurrent use.
type ReorderBuffer struct {
	last       uint32
	maxPending uint32
	pending    seqHeap
	queued     map[uint32]struct{}
}

func NewReorderBuffer(maxPending int) *ReorderBuffer {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &ReorderBuffer{
		maxPending: uint32(maxPending),
		queued:     make(map[uint32]struct{}),
	}
}

// Push stores one payload. Sequences already delivered or already queued
// return ErrDuplicateSequence; sequences beyond the window return
// ErrReorderOverflow. Neither is stored.
func (b *ReorderBuffer) Push(seq uint32, payload []byte) error {
	if seq <= b.last {
		return fmt.Errorf("%w: %d (last delivered %d)", ErrDuplicateSequence, seq, b.last)
	}
	if _, ok := b.queued[seq]; ok {
		return fmt.Errorf("%w: %d already queued", ErrDuplicateSequence, seq)
	}
	if seq-b.last > b.maxPending {
		return fmt.Errorf("%w: %d with last delivered %d", ErrReorderOverflow, seq, b.last)
	}
	heap.Push(&b.pending, item{seq: seq, payload: payload})
	b.queued[seq] = struct{}{}
	return nil
}

// Pop returns the next in-order payload if it has arrived.
func (b *ReorderBuffer) Pop() ([]byte, bool) {
	if len(b.pending) == 0 || b.pending[0].seq != b.last+1 {
		return nil, false
	}
	it := heap.Pop(&b.pending).(item)
	delete(b.queued, it.seq)
	b.last = it.seq
	return it.payload, true
}

// Drain pops every payload that is ready.
func (b *ReorderBuffer) Drain() [][]byte {
	var out [][]byte
	for {
		p, ok := b.Pop()
		if !ok {
			return out
		}
		out = append(out, p)
	}
}

func (b *ReorderBuffer) Last() uint32 {
	return b.last
}

func (b *ReorderBuffer) Len() int {
	return len(b.pending)
}
