package presence

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/opd-ai/lanchat/codec"
)

type batch struct {
	firstSeen time.Time
	total     int
	received  int
	chunks    [][]byte
	complete  bool
}

// Reassembler collects presence fragments until a batch is whole. At most
// maxBatches incomplete batches are held; the least recently touched one is
// dropped to make room.
type Reassembler struct {
	timeout time.Duration

	mu      sync.Mutex
	batches *lru.Cache[uuid.UUID, *batch]
	dropped int
}

// NewReassembler creates a reassembler that forgets incomplete batches
// timeout after their first fragment.
func NewReassembler(maxBatches int, timeout time.Duration) *Reassembler {
	r := &Reassembler{timeout: timeout}
	// Only fails for a non-positive size.
	r.batches, _ = lru.NewWithEvict(max(maxBatches, 1), func(_ uuid.UUID, b *batch) {
		if !b.complete {
			r.dropped += b.received
		}
	})
	return r
}

// Add stores one fragment and returns the joined payload when it completes
// its batch. Duplicate fragments are ignored. Fragments are placed by
// sequence number, so arrival order does not matter.
func (r *Reassembler) Add(f codec.Fragment, now time.Time) ([]byte, bool) {
	if f.Total == 1 {
		return f.Chunk, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches.Get(f.BatchID)
	if ok && now.Sub(b.firstSeen) >= r.timeout {
		r.batches.Remove(f.BatchID)
		ok = false
	}
	if !ok {
		b = &batch{
			firstSeen: now,
			total:     f.Total,
			chunks:    make([][]byte, f.Total),
		}
		r.batches.Add(f.BatchID, b)
	}
	if f.Total != b.total || f.Seq < 1 || f.Seq > b.total {
		r.dropped++
		return nil, false
	}
	if b.chunks[f.Seq-1] != nil {
		return nil, false
	}
	b.chunks[f.Seq-1] = f.Chunk
	b.received++
	if b.received < b.total {
		return nil, false
	}

	b.complete = true
	r.batches.Remove(f.BatchID)
	return bytes.Join(b.chunks, nil), true
}

// Sweep drops batches older than the timeout and returns the number of
// fragments discarded since the previous call, including LRU evictions.
func (r *Reassembler) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.batches.Keys() {
		b, ok := r.batches.Peek(id)
		if ok && now.Sub(b.firstSeen) >= r.timeout {
			r.batches.Remove(id)
		}
	}
	n := r.dropped
	r.dropped = 0
	return n
}

// Pending returns the number of incomplete batches held.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches.Len()
}

// Split cuts payload into fragments of at most size bytes under one new
// batch id.
func Split(payload []byte, size int) []codec.Fragment {
	total := (len(payload) + size - 1) / size
	if total == 0 {
		total = 1
	}
	id := uuid.New()
	out := make([]codec.Fragment, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*size, len(payload))
		out = append(out, codec.Fragment{
			BatchID: id,
			Seq:     i + 1,
			Total:   total,
			Chunk:   payload[i*size : end],
		})
	}
	return out
}
