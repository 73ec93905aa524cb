// Package queue orders pending runs for admission and derives the aggregate
// status of a task from its runs.
package queue

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/huangdaxianer/claude-code-parallel-test-sub000/internal/run/models"
)

// runHeap implements heap.Interface ordered by (task creation time, run id).
type runHeap []*models.Run

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	if !h[i].TaskCreatedAt.Equal(h[j].TaskCreatedAt) {
		return h[i].TaskCreatedAt.Before(h[j].TaskCreatedAt)
	}
	return h[i].ID < h[j].ID
}

func (h runHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *runHeap) Push(x interface{}) {
	*h = append(*h, x.(*models.Run))
}

func (h *runHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[0 : n-1]
	return item
}

// TakeFirst returns at most n runs in admission order: earlier tasks first,
// ties broken by run id. The input slice is not modified.
func TakeFirst(runs []*models.Run, n int) []*models.Run {
	if n <= 0 || len(runs) == 0 {
		return nil
	}
	h := make(runHeap, len(runs))
	copy(h, runs)
	heap.Init(&h)

	out := make([]*models.Run, 0, min(n, len(runs)))
	for h.Len() > 0 && len(out) < n {
		out = append(out, heap.Pop(&h).(*models.Run))
	}
	return out
}

// Aggregate derives the queue status of a task:
//   - completed when every run completed (evaluated counts as completed)
//   - stopped when every run is terminal and at least one was stopped
//   - running when any run is running, or when some runs finished while others still wait
//   - pending otherwise
func Aggregate(runs []*models.Run) models.QueueStatus {
	if len(runs) == 0 {
		return models.QueueStatusPending
	}
	var pending, running, completed, stopped int
	for _, r := range runs {
		switch r.Status {
		case models.RunStatusPending:
			pending++
		case models.RunStatusRunning:
			running++
		case models.RunStatusCompleted, models.RunStatusEvaluated:
			completed++
		case models.RunStatusStopped:
			stopped++
		}
	}
	switch {
	case completed == len(runs):
		return models.QueueStatusCompleted
	case pending == 0 && running == 0:
		return models.QueueStatusStopped
	case running > 0, completed+stopped > 0:
		return models.QueueStatusRunning
	default:
		return models.QueueStatusPending
	}
}

// Store is the subset of the repository Recompute needs.
type Store interface {
	ListRunsByTask(ctx context.Context, taskID string) ([]*models.Run, error)
	GetQueueEntry(ctx context.Context, taskID string) (*models.QueueEntry, error)
	SetQueueStatus(ctx context.Context, taskID string, status models.QueueStatus) error
}

// Recompute re-derives and persists the queue status of taskID. It returns the
// new status and whether it changed.
func Recompute(ctx context.Context, store Store, taskID string) (models.QueueStatus, bool, error) {
	runs, err := store.ListRunsByTask(ctx, taskID)
	if err != nil {
		return "", false, fmt.Errorf("list runs of %s: %w", taskID, err)
	}
	status := Aggregate(runs)

	entry, err := store.GetQueueEntry(ctx, taskID)
	if err != nil {
		return "", false, fmt.Errorf("get queue entry of %s: %w", taskID, err)
	}
	if entry.Status == status {
		return status, false, nil
	}
	if err := store.SetQueueStatus(ctx, taskID, status); err != nil {
		return "", false, fmt.Errorf("set queue status of %s: %w", taskID, err)
	}
	return status, true, nil
}
