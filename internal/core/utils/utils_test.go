package utils_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sentiment-backend/internal/core/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_SameKeyRunsSequentially(t *testing.T) {
	m := utils.NewKeyLock(10)

	var active, maxActive atomic.Int64
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Lock("model"))
			defer m.Unlock("model")

			n := active.Add(1)
			for {
				cur := maxActive.Load()
				if n <= cur || maxActive.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxActive.Load())
}

func TestKeyLock_DifferentKeysRunConcurrently(t *testing.T) {
	m := utils.NewKeyLock(10)

	require.NoError(t, m.Lock("a"))
	done := make(chan struct{})
	go func() {
		assert.NoError(t, m.Lock("b"))
		m.Unlock("b")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key was blocked")
	}
	m.Unlock("a")
}

func TestKeyLock_MaxKeys(t *testing.T) {
	m := utils.NewKeyLock(1)

	require.NoError(t, m.Lock("a"))
	assert.ErrorIs(t, m.Lock("b"), utils.ErrTooManyKeys)
	m.Unlock("a")

	// The entry for a is gone once released.
	require.NoError(t, m.Lock("b"))
	m.Unlock("b")

	assert.Panics(t, func() { m.Unlock("b") })
}

func TestRunInPool(t *testing.T) {
	inputs := []int{1, 2, 3, 4, 5, 6, 7}

	var active, maxActive atomic.Int64
	results := utils.RunInPool(func(x int) (int, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)

		if x == 4 {
			return 0, errors.New("bad input")
		}
		return x * x, nil
	}, inputs, 3)

	require.Len(t, results, len(inputs))
	for i, x := range inputs {
		if x == 4 {
			assert.ErrorContains(t, results[i].Error, "bad input")
			continue
		}
		assert.NoError(t, results[i].Error)
		assert.Equal(t, x*x, results[i].Result)
	}
	assert.LessOrEqual(t, maxActive.Load(), int64(3))

	assert.Empty(t, utils.RunInPool(func(x int) (int, error) { return x, nil }, nil, 3))
}
