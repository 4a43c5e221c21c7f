// Package materialize keeps the messages projection in step with the event
// log. Jobs reach the Worker through an in-process LocalQueue or a NATS
// JetStream queue; the Replayer rebuilds jobs for log entries that were never
// applied.
package materialize

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/turnlog/internal/persist"
	"github.com/user/turnlog/internal/types"
)

// Worker applies materialization jobs to the projection and flags the source
// log entries as processed.
type Worker struct {
	projection types.ProjectionStore
	log        types.EventLog
	retry      *persist.RetryPolicy
}

func NewWorker(projection types.ProjectionStore, log types.EventLog) *Worker {
	return &Worker{
		projection: projection,
		log:        log,
		retry:      persist.DefaultRetryPolicy(),
	}
}

// Apply upserts the job's row and marks its event processed. Applying the
// same job twice leaves the projection unchanged.
func (w *Worker) Apply(ctx context.Context, job *types.MaterializationJob) error {
	msg := messageFromJob(job)
	err := w.retry.Do(ctx, func(ctx context.Context) error {
		return w.projection.Upsert(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", job.MessageID, err)
	}

	err = w.retry.Do(ctx, func(ctx context.Context) error {
		return w.log.MarkProcessed(ctx, job.EventID)
	})
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", job.EventID, err)
	}

	slog.Debug("materialized",
		"session_id", string(job.SessionID),
		"message_id", job.MessageID,
		"sequence", job.SequenceNumber,
	)
	return nil
}

func messageFromJob(job *types.MaterializationJob) *types.Message {
	return &types.Message{
		ID:             job.MessageID,
		SessionID:      job.SessionID,
		Role:           job.Role,
		MessageType:    job.MessageType,
		Content:        job.Content,
		Metadata:       job.Metadata,
		SequenceNumber: job.SequenceNumber,
		EventID:        job.EventID,
	}
}
