package scheduler

import (
	"container/heap"

	"fableforge/pkg/models"
)

// taskQueue is a priority queue of tasks waiting for resources, ordered by
// (priority, enqueue time). A monotonic sequence number breaks ties between
// tasks enqueued in the same instant so ordering stays deterministic.
type taskQueue struct {
	items []*queueItem
	seq   uint64
}

type queueItem struct {
	task *models.Task
	seq  uint64
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	heap.Init(q)
	return q
}

func (q *taskQueue) Len() int { return len(q.items) }

func (q *taskQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority < b.task.Priority
	}
	if !a.task.EnqueuedAt.Equal(b.task.EnqueuedAt) {
		return a.task.EnqueuedAt.Before(b.task.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (q *taskQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *taskQueue) Push(x any) { q.items = append(q.items, x.(*queueItem)) }

func (q *taskQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

// Enqueue adds a task to the wait queue.
func (q *taskQueue) Enqueue(task *models.Task) {
	q.seq++
	heap.Push(q, &queueItem{task: task, seq: q.seq})
}

// Dequeue removes and returns the highest-priority task, or nil if empty.
func (q *taskQueue) Dequeue() *models.Task {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*queueItem).task
}

// Remove deletes the task with the given ID from the queue.
// Returns the removed task, or nil if not queued.
func (q *taskQueue) Remove(taskID string) *models.Task {
	for i, item := range q.items {
		if item.task.ID == taskID {
			heap.Remove(q, i)
			return item.task
		}
	}
	return nil
}

// RemoveProject deletes every queued task belonging to the project and
// returns them.
func (q *taskQueue) RemoveProject(projectID string) []*models.Task {
	var removed []*models.Task
	for i := 0; i < len(q.items); {
		if q.items[i].task.ProjectID == projectID {
			removed = append(removed, q.items[i].task)
			heap.Remove(q, i)
			continue
		}
		i++
	}
	return removed
}
