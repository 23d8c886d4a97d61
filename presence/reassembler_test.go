package presence

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/lanchat/codec"
)

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// permutations returns every ordering of 0..n-1.
func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestSplit(t *testing.T) {
	payload := randomPayload(t, 2500)
	frags := Split(payload, 1000)

	require.Len(t, frags, 3)
	for i, f := range frags {
		assert.Equal(t, frags[0].BatchID, f.BatchID)
		assert.Equal(t, i+1, f.Seq)
		assert.Equal(t, 3, f.Total)
	}
	assert.Len(t, frags[2].Chunk, 500)

	assert.Len(t, Split(payload[:1000], 1000), 1)
	assert.Len(t, Split(nil, 1000), 1)
}

func TestReassemblyIsOrderIndependent(t *testing.T) {
	payload := randomPayload(t, 3500)
	frags := Split(payload, 1000)
	require.Len(t, frags, 4)
	now := time.Unix(1000, 0)

	for _, order := range permutations(len(frags)) {
		r := NewReassembler(8, time.Second)
		var got []byte
		for i, idx := range order {
			out, ok := r.Add(frags[idx], now)
			if i < len(order)-1 {
				require.False(t, ok, "batch completed early for order %v", order)
				continue
			}
			require.True(t, ok, "batch incomplete for order %v", order)
			got = out
		}
		assert.True(t, bytes.Equal(payload, got), "order %v", order)
		assert.Zero(t, r.Pending())
	}
}

func TestSingleFragmentCompletesImmediately(t *testing.T) {
	r := NewReassembler(8, time.Second)
	frags := Split([]byte("tiny"), 1000)

	out, ok := r.Add(frags[0], time.Now())
	assert.True(t, ok)
	assert.Equal(t, []byte("tiny"), out)
}

func TestIncompleteBatchIsDroppedAfterTimeout(t *testing.T) {
	r := NewReassembler(8, time.Second)
	frags := Split(randomPayload(t, 3000), 1000)
	start := time.Unix(1000, 0)

	_, ok := r.Add(frags[0], start)
	assert.False(t, ok)
	_, ok = r.Add(frags[2], start.Add(500*time.Millisecond))
	assert.False(t, ok)

	assert.Zero(t, r.Sweep(start.Add(900*time.Millisecond)))
	assert.Equal(t, 1, r.Pending())

	assert.Equal(t, 2, r.Sweep(start.Add(time.Second)))
	assert.Zero(t, r.Pending())

	// A straggler after the drop starts a new batch that cannot complete.
	_, ok = r.Add(frags[1], start.Add(1100*time.Millisecond))
	assert.False(t, ok)
}

func TestExpiredBatchRestartsOnAdd(t *testing.T) {
	r := NewReassembler(8, time.Second)
	frags := Split(randomPayload(t, 2000), 1000)
	start := time.Unix(1000, 0)

	r.Add(frags[0], start)
	_, ok := r.Add(frags[1], start.Add(2*time.Second))
	assert.False(t, ok, "fragments from an expired batch must not be combined")
	assert.Equal(t, 1, r.Sweep(start.Add(2*time.Second)))
}

func TestDuplicateFragmentsAreIgnored(t *testing.T) {
	r := NewReassembler(8, time.Second)
	payload := randomPayload(t, 2000)
	frags := Split(payload, 1000)
	now := time.Unix(1000, 0)

	_, ok := r.Add(frags[0], now)
	assert.False(t, ok)
	_, ok = r.Add(frags[0], now)
	assert.False(t, ok)

	out, ok := r.Add(frags[1], now)
	require.True(t, ok)
	assert.Equal(t, payload, out)
}

func TestInconsistentTotalIsDropped(t *testing.T) {
	r := NewReassembler(8, time.Second)
	frags := Split(randomPayload(t, 3000), 1000)
	now := time.Unix(1000, 0)

	r.Add(frags[0], now)
	bad := codec.Fragment{BatchID: frags[0].BatchID, Seq: 2, Total: 2, Chunk: []byte("x")}
	_, ok := r.Add(bad, now)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Sweep(now))
}

func TestPendingBatchesAreBounded(t *testing.T) {
	r := NewReassembler(2, time.Minute)
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		frags := Split(randomPayload(t, 2000), 1000)
		r.Add(frags[0], now)
	}

	assert.Equal(t, 2, r.Pending())
	assert.Equal(t, 1, r.Sweep(now), "the oldest batch was evicted")
}
