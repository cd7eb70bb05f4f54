package queue

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_HoldsCapacityMinusOne(t *testing.T) {
	r := New[int](4)

	assert.True(t, r.TryPush(1))
	assert.True(t, r.TryPush(2))
	assert.True(t, r.TryPush(3))
	assert.False(t, r.TryPush(4), "push must fail once C-1 items are held")
	assert.Equal(t, 3, r.Size())
	assert.Equal(t, 0, r.Free())
}

func TestRing_FIFOOrderAcrossWrap(t *testing.T) {
	r := New[int](3)
	var got []int
	for i := 0; i < 10; i++ {
		require.True(t, r.TryPush(i))
		v, ok := r.TryPop()
		require.True(t, ok)
		got = append(got, v)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestRing_PopEmpty(t *testing.T) {
	r := New[string](2)
	v, ok := r.TryPop()
	assert.False(t, ok)
	assert.Equal(t, "", v)
}

func TestRing_PanicsOnTinyCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](1) })
}

// TestRing_SizeInvariantRandomOps checks 0 <= Size <= C-1 and that TryPush
// fails exactly when C-1 items are held, for a random operation sequence.
func TestRing_SizeInvariantRandomOps(t *testing.T) {
	const capacity = 8
	r := New[int](capacity)
	rng := rand.New(rand.NewSource(42))
	held := 0

	for i := 0; i < 10000; i++ {
		if rng.Intn(2) == 0 {
			ok := r.TryPush(i)
			assert.Equal(t, held < capacity-1, ok)
			if ok {
				held++
			}
		} else {
			_, ok := r.TryPop()
			assert.Equal(t, held > 0, ok)
			if ok {
				held--
			}
		}
		require.Equal(t, held, r.Size())
		require.GreaterOrEqual(t, r.Size(), 0)
		require.LessOrEqual(t, r.Size(), capacity-1)
	}
}

func TestRing_ConcurrentProducersConsumers(t *testing.T) {
	const (
		capacity  = 16
		producers = 4
		perWorker = 5000
	)
	r := New[int](capacity)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[int]bool, producers*perWorker)

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				for !r.TryPush(base + i) {
					v, ok := r.TryPop()
					if ok {
						mu.Lock()
						seen[v] = true
						mu.Unlock()
					}
				}
				if s := r.Size(); s < 0 || s > capacity-1 {
					t.Errorf("size out of bounds: %d", s)
				}
			}
		}(p * perWorker)
	}
	wg.Wait()

	for {
		v, ok := r.TryPop()
		if !ok {
			break
		}
		seen[v] = true
	}
	assert.Len(t, seen, producers*perWorker, "every pushed item must be popped exactly once")
	assert.Equal(t, 0, r.Size())
}
