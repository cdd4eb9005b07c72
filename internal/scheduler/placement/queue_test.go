package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/greensched/greensched/internal/scheduler/simapi"
)

func TestRetryQueueOrdering(t *testing.T) {
	q := NewRetryQueue()
	assert.True(t, q.Enqueue(300, 3))
	assert.True(t, q.Enqueue(100, 1))
	assert.True(t, q.Enqueue(100, 2))
	assert.True(t, q.Enqueue(200, 4))

	snapshot := q.Snapshot()
	got := make([]int, 0, len(snapshot))
	for _, entry := range snapshot {
		got = append(got, int(entry.TaskID))
	}
	// Oldest first; equal times break ties by task id.
	assert.Equal(t, []int{1, 2, 4, 3}, got)
	assert.Equal(t, 4, q.Len())
}

func TestRetryQueueDeduplicates(t *testing.T) {
	q := NewRetryQueue()
	assert.True(t, q.Enqueue(100, 1))
	// A re-enqueue, even at a later time, is a no-op.
	assert.False(t, q.Enqueue(500, 1))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, simapi.Time(100), q.Snapshot()[0].Enqueued)
}

func TestRetryQueueRemove(t *testing.T) {
	q := NewRetryQueue()
	q.Enqueue(100, 1)
	q.Enqueue(200, 2)

	assert.True(t, q.Contains(1))
	assert.True(t, q.Remove(1))
	assert.False(t, q.Contains(1))
	assert.False(t, q.Remove(1))
	assert.Equal(t, 1, q.Len())
}
