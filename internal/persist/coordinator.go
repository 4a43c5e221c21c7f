// Package persist commits normalized events to the event log and queues
// the projection writes derived from them.
package persist

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/turnlog/internal/events"
	"github.com/user/turnlog/internal/sequence"
	"github.com/user/turnlog/internal/types"
)

// Notifier is told about every event the log has durably accepted.
type Notifier interface {
	Publish(msg events.UIMessage)
}

// Coordinator appends events to the log, checks the returned sequence and
// only then enqueues materialization. The log is the source of truth; the
// queue and notifier are best effort.
type Coordinator struct {
	log      types.EventLog
	queue    types.MaterializationQueue
	reserver sequence.Reserver
	retry    *RetryPolicy
	notifier Notifier

	wg sync.WaitGroup
}

type Option func(*Coordinator)

func WithRetryPolicy(p *RetryPolicy) Option {
	return func(c *Coordinator) { c.retry = p }
}

func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func NewCoordinator(log types.EventLog, queue types.MaterializationQueue, reserver sequence.Reserver, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:      log,
		queue:    queue,
		reserver: reserver,
		retry:    DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Persist durably records one event. Transient events are skipped and
// return a nil result. An event without a pre-assigned sequence reserves
// one first. Any failure before the log confirms the sequence is returned
// and nothing is enqueued.
func (c *Coordinator) Persist(ctx context.Context, ev *events.Event) (*types.AppendResult, error) {
	if !ev.Persistable() {
		return nil, nil
	}

	if ev.Sequence == nil {
		res, err := c.reserver.Reserve(ctx, ev.SessionID, 1)
		if err != nil {
			return nil, &PersistError{EventID: ev.ID, Stage: "reserve", Class: Classify(err), Err: err}
		}
		seq := res.Sequences[0]
		ev.Sequence = &seq
	}

	data, err := events.EncodePayload(ev.Payload)
	if err != nil {
		return nil, &PersistError{EventID: ev.ID, Stage: "encode", Class: Classification{Category: CategoryUnknown}, Err: err}
	}

	req := &types.AppendRequest{
		EventID:   ev.ID,
		SessionID: ev.SessionID,
		EventType: string(ev.Kind()),
		Sequence:  ev.Sequence,
		Data:      data,
		Timestamp: ev.Timestamp,
	}

	var result *types.AppendResult
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		var appendErr error
		result, appendErr = c.log.Append(ctx, req)
		return appendErr
	})
	if err != nil {
		cls := Classify(err)
		slog.Error("event log append failed",
			"event_id", string(ev.ID),
			"session_id", string(ev.SessionID),
			"kind", string(ev.Kind()),
			"category", string(cls.Category),
			"error", err,
		)
		return nil, &PersistError{EventID: ev.ID, Stage: "append", Class: cls, Err: err}
	}

	if result == nil || result.SequenceNumber == nil {
		return nil, &InvariantError{EventID: ev.ID, SessionID: ev.SessionID, Err: ErrMissingSequence}
	}
	if *result.SequenceNumber != *ev.Sequence {
		return nil, &InvariantError{
			EventID:   ev.ID,
			SessionID: ev.SessionID,
			Err:       fmt.Errorf("%w: reserved %d, got %d", ErrSequenceMismatch, *ev.Sequence, *result.SequenceNumber),
		}
	}

	entry := &types.LogEntry{
		ID:             result.ID,
		SessionID:      ev.SessionID,
		EventType:      req.EventType,
		SequenceNumber: *result.SequenceNumber,
		Timestamp:      result.Timestamp,
		Data:           data,
	}
	if entry.ID == "" {
		entry.ID = ev.ID
	}
	c.enqueue(ctx, entry)

	if c.notifier != nil {
		c.notifier.Publish(events.EntryMessage(entry))
	}
	return result, nil
}

// enqueue hands the projection write to the queue. The entry stays
// unprocessed in the log on failure, so the replayer picks it up later.
func (c *Coordinator) enqueue(ctx context.Context, entry *types.LogEntry) {
	job, err := events.JobFromEntry(entry)
	if err != nil {
		slog.Error("failed to build materialization job", "event_id", string(entry.ID), "error", err)
		return
	}
	if job == nil {
		return
	}
	jobID, err := c.queue.Enqueue(ctx, job)
	if err != nil {
		slog.Warn("failed to enqueue materialization job",
			"event_id", string(entry.ID),
			"session_id", string(entry.SessionID),
			"sequence", entry.SequenceNumber,
			"error", err,
		)
		return
	}
	slog.Debug("materialization job enqueued", "job_id", jobID, "event_id", string(entry.ID), "sequence", entry.SequenceNumber)
}

// PersistToolExecutions persists each request/response pair independently
// in the background and returns immediately. A failing pair is logged and
// does not affect the others. The work outlives ctx cancellation.
func (c *Coordinator) PersistToolExecutions(ctx context.Context, sessionID types.SessionID, pairs []events.ToolPair) {
	if len(pairs) == 0 {
		return
	}
	bg := context.WithoutCancel(ctx)

	results := make([]chan error, len(pairs))
	for i, pair := range pairs {
		ch := make(chan error, 1)
		results[i] = ch
		c.wg.Add(1)
		go func(pair events.ToolPair) {
			defer c.wg.Done()
			ch <- c.persistPair(bg, pair)
		}(pair)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		start := time.Now()
		failed := 0
		for i, ch := range results {
			if err := <-ch; err != nil {
				failed++
				slog.Error("tool execution persistence failed",
					"session_id", string(sessionID),
					"tool_call_id", toolCallID(pairs[i]),
					"error", err,
				)
			}
		}
		slog.Debug("tool executions persisted",
			"session_id", string(sessionID),
			"pairs", len(pairs),
			"failed", failed,
			"duration", time.Since(start),
		)
	}()
}

func (c *Coordinator) persistPair(ctx context.Context, pair events.ToolPair) error {
	if _, err := c.Persist(ctx, pair.Request); err != nil {
		return fmt.Errorf("request: %w", err)
	}
	if _, err := c.Persist(ctx, pair.Response); err != nil {
		return fmt.Errorf("response: %w", err)
	}
	return nil
}

func toolCallID(pair events.ToolPair) string {
	if p, ok := pair.Request.Payload.(events.ToolRequested); ok {
		return p.ToolCallID
	}
	return ""
}

// Wait blocks until all background tool persistence has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
