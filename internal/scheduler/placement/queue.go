package placement

import (
	"github.com/benbjohnson/immutable"

	"github.com/greensched/greensched/internal/scheduler/simapi"
)

// QueuedTask is a task waiting for capacity, keyed on the time it was queued.
type QueuedTask struct {
	TaskID   simapi.TaskID
	Enqueued simapi.Time
}

// QueuedTaskComparer orders queued tasks by enqueue time, oldest first, with
// the task id as tiebreaker so the order is total.
type QueuedTaskComparer struct{}

func (QueuedTaskComparer) Compare(a, b QueuedTask) int {
	if a.Enqueued < b.Enqueued {
		return -1
	}
	if a.Enqueued > b.Enqueued {
		return 1
	}
	if a.TaskID < b.TaskID {
		return -1
	}
	if a.TaskID > b.TaskID {
		return 1
	}
	return 0
}

// RetryQueue holds tasks that could not be placed yet. Each task appears at
// most once, keyed on its first enqueue time; re-enqueueing an already queued
// task is a no-op.
type RetryQueue struct {
	set  immutable.SortedSet[QueuedTask]
	byId map[simapi.TaskID]QueuedTask
}

func NewRetryQueue() *RetryQueue {
	return &RetryQueue{
		set:  immutable.NewSortedSet[QueuedTask](QueuedTaskComparer{}),
		byId: make(map[simapi.TaskID]QueuedTask),
	}
}

// Enqueue adds the task to the queue. Reports false if it was already queued.
func (q *RetryQueue) Enqueue(now simapi.Time, taskID simapi.TaskID) bool {
	if _, ok := q.byId[taskID]; ok {
		return false
	}
	entry := QueuedTask{TaskID: taskID, Enqueued: now}
	q.set = q.set.Add(entry)
	q.byId[taskID] = entry
	return true
}

// Remove deletes the task from the queue. Reports false if it was not queued.
func (q *RetryQueue) Remove(taskID simapi.TaskID) bool {
	entry, ok := q.byId[taskID]
	if !ok {
		return false
	}
	q.set = q.set.Delete(entry)
	delete(q.byId, taskID)
	return true
}

// Contains reports whether the task is queued.
func (q *RetryQueue) Contains(taskID simapi.TaskID) bool {
	_, ok := q.byId[taskID]
	return ok
}

// Len returns the number of queued tasks.
func (q *RetryQueue) Len() int {
	return q.set.Len()
}

// Snapshot returns the queued tasks in retry order, oldest first.
func (q *RetryQueue) Snapshot() []QueuedTask {
	rv := make([]QueuedTask, 0, q.set.Len())
	it := q.set.Iterator()
	for {
		entry, ok := it.Next()
		if !ok {
			break
		}
		rv = append(rv, entry)
	}
	return rv
}
