package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func job(id string) Job {
	return Job{WebsiteID: id}
}

func TestCreateQueue(t *testing.T) {
	q, err := CreateQueue(3)
	require.NoError(t, err)
	assert.Equal(t, 3, q.Capacity())
	assert.True(t, q.IsEmpty())

	for _, capacity := range []int{0, -1} {
		q, err := CreateQueue(capacity)
		assert.Error(t, err)
		assert.Nil(t, q)
	}
}

func TestInsert(t *testing.T) {
	q, _ := CreateQueue(3)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Insert(job(id)))
		assert.Equal(t, i+1, q.Length())
	}

	err := q.Insert(job("d"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 3, q.Length(), "queue should be full")
}

func TestRemove(t *testing.T) {
	q, _ := CreateQueue(3)
	q.Insert(job("a"))
	q.Insert(job("b"))
	q.Insert(job("c"))

	for i, want := range []string{"a", "b", "c"} {
		got, err := q.Remove()
		require.NoError(t, err)
		assert.Equal(t, want, got.WebsiteID)
		assert.Equal(t, 2-i, q.Length())
	}

	_, err := q.Remove()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestReuseAfterDrain(t *testing.T) {
	q, _ := CreateQueue(2)
	for round := 0; round < 3; round++ {
		require.NoError(t, q.Insert(job("x")))
		require.NoError(t, q.Insert(job("y")))
		q.Remove()
		q.Remove()
	}
	assert.True(t, q.IsEmpty())
}

func TestConcurrentInsertRemove(t *testing.T) {
	q, _ := CreateQueue(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				q.Insert(job("w"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 500, q.Length())

	var removed sync.Map
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			count := 0
			for {
				if _, err := q.Remove(); err != nil {
					break
				}
				count++
			}
			removed.Store(worker, count)
		}(i)
	}
	wg.Wait()

	total := 0
	removed.Range(func(_, v any) bool {
		total += v.(int)
		return true
	})
	assert.Equal(t, 500, total)
	assert.True(t, q.IsEmpty())
}
