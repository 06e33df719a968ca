package scheduler

import (
	"sort"

	"github.com/forgerun/forgerun/pkg/types"
)

// sortJobIDs orders job ids by client then by client-local job id, giving
// worker-disconnect requeues a deterministic order.
func sortJobIDs(ids []types.JobID) {
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Client != ids[j].Client {
			return ids[i].Client < ids[j].Client
		}
		return ids[i].Job < ids[j].Job
	})
}

// runQueue is a FIFO of jobs waiting for a worker slot, with the two
// extra operations the scheduler needs: PushFront (a disconnected
// worker's in-flight jobs go back to the head of the line, not the
// tail) and Retain (a disconnected client's jobs are pulled out of the
// middle of the queue).
type runQueue struct {
	items []types.JobID
}

func (q *runQueue) PushBack(id types.JobID) {
	q.items = append(q.items, id)
}

func (q *runQueue) PushFront(id types.JobID) {
	q.items = append([]types.JobID{id}, q.items...)
}

func (q *runQueue) PopFront() (types.JobID, bool) {
	if len(q.items) == 0 {
		return types.JobID{}, false
	}
	id := q.items[0]
	q.items = q.items[1:]
	return id, true
}

func (q *runQueue) Len() int {
	return len(q.items)
}

// Retain keeps only the jobs for which keep returns true, preserving order.
func (q *runQueue) Retain(keep func(types.JobID) bool) {
	out := q.items[:0]
	for _, id := range q.items {
		if keep(id) {
			out = append(out, id)
		}
	}
	q.items = out
}
