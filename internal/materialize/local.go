package materialize

import (
	"context"
	"time"

	"github.com/user/turnlog/internal/lane"
	"github.com/user/turnlog/internal/types"
)

// LocalQueue runs jobs in-process, one lane per session so a session's rows
// are written in the order their events were appended.
type LocalQueue struct {
	worker *Worker
	lanes  *lane.Queue[*types.MaterializationJob]
}

func NewLocalQueue(worker *Worker, concurrency int64) *LocalQueue {
	return &LocalQueue{
		worker: worker,
		lanes:  lane.New("materialize", concurrency, worker.Apply),
	}
}

func (q *LocalQueue) Start(ctx context.Context) {
	q.lanes.Start(ctx)
}

func (q *LocalQueue) Stop() {
	q.lanes.Stop()
}

// Enqueue schedules job and returns its id.
func (q *LocalQueue) Enqueue(_ context.Context, job *types.MaterializationJob) (string, error) {
	if job.JobID == "" {
		job.JobID = types.NewJobID()
	}
	if err := q.lanes.Enqueue(string(job.SessionID), job); err != nil {
		return "", err
	}
	return string(job.JobID), nil
}

// WaitIdle blocks until every enqueued job has been applied or the timeout
// expires.
func (q *LocalQueue) WaitIdle(timeout time.Duration) bool {
	return q.lanes.WaitIdle(timeout)
}
