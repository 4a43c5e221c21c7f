package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/turnlog/internal/lane"
	"github.com/user/turnlog/internal/persist"
	"github.com/user/turnlog/internal/types"
)

// Processor executes one run. It is called from the run's session lane.
type Processor func(ctx context.Context, run *Run) error

const failureReply = "Sorry, something went wrong processing your message."

// Gateway orchestrates inbound events into runs. It resolves (or creates)
// sessions, wraps each event in a Run, and queues the run on its session's
// lane so turns within a session never overlap.
type Gateway struct {
	sessions  types.SessionStore
	processor Processor
	lanes     *lane.Queue[*Run]
	retry     *persist.RetryPolicy
	delivery  Deliverer
	agent     string
}

// Deliverer sends a reply to the surface a session key belongs to.
type Deliverer interface {
	Deliver(sessionKey types.SessionKey, message string) error
}

// New creates a Gateway with the given concurrency limit for simultaneous
// run processing across sessions.
func New(sessions types.SessionStore, processor Processor, maxConcurrent int64) *Gateway {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	g := &Gateway{
		sessions:  sessions,
		processor: processor,
		retry:     persist.DefaultRetryPolicy(),
		agent:     "default",
	}
	g.lanes = lane.New("runs", maxConcurrent, g.processRun)
	return g
}

// SetRetryPolicy replaces the policy applied to failed runs.
func (g *Gateway) SetRetryPolicy(p *persist.RetryPolicy) {
	g.retry = p
}

// SetDeliverer routes replies for runs submitted without an OnComplete
// callback.
func (g *Gateway) SetDeliverer(d Deliverer) {
	g.delivery = d
}

// Start initialises the gateway's context and starts the run lanes.
func (g *Gateway) Start(ctx context.Context) {
	g.lanes.Start(ctx)
}

// Stop stops the lanes and waits for in-flight runs to finish.
func (g *Gateway) Stop() {
	g.lanes.Stop()
}

// WaitIdle blocks until no runs are queued or running, or the timeout expires.
func (g *Gateway) WaitIdle(timeout time.Duration) bool {
	return g.lanes.WaitIdle(timeout)
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked when the run produces a final response.
func WithOnComplete(fn func(string)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// HandleInbound resolves or creates a session for the event, wraps it in a
// Run, and enqueues it for processing.
func (g *Gateway) HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...RunOption) (*Run, error) {
	sessionID, err := g.sessions.ResolveOrCreate(ctx, event.SessionKey, g.agent)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	run := NewRun(sessionID, event)
	for _, opt := range opts {
		opt(run)
	}
	if run.OnComplete == nil && g.delivery != nil {
		key := event.SessionKey
		run.OnComplete = func(response string) {
			if err := g.delivery.Deliver(key, response); err != nil {
				slog.Warn("deliver reply", "session_key", string(key), "run_id", string(run.ID), "error", err)
			}
		}
	}
	if err := g.lanes.Enqueue(string(sessionID), run); err != nil {
		return nil, err
	}
	slog.Debug("run queued", "run_id", string(run.ID), "session_id", string(sessionID), "source", event.Source)
	return run, nil
}

// processRun drives a run to completion, retrying failures the persistence
// classifier marks as transient until the run has committed model output.
func (g *Gateway) processRun(ctx context.Context, run *Run) error {
	now := time.Now()
	run.StartedAt = &now
	run.Status = RunStatusRunning

	var err error
	for {
		run.Attempts++
		err = g.processor(ctx, run)
		if err == nil || !g.retry.ShouldRetry(err, run.Attempts) {
			break
		}
		if run.Committed {
			slog.Warn("run failed after committing output, not retrying",
				"run_id", string(run.ID),
				"attempt", run.Attempts,
				"error", err,
			)
			break
		}
		delay := g.retry.NextDelay(run.Attempts)
		slog.Warn("run failed, retrying",
			"run_id", string(run.ID),
			"attempt", run.Attempts,
			"delay", delay,
			"error", err,
		)
		if !sleep(ctx, delay) {
			err = ctx.Err()
			break
		}
	}

	ended := time.Now()
	run.EndedAt = &ended
	if err != nil {
		run.Status = RunStatusFailed
		run.Error = err
		if run.OnComplete != nil {
			run.OnComplete(failureReply)
		}
	} else {
		run.Status = RunStatusComplete
	}
	g.recordRun(ctx, run)
	return err
}

func (g *Gateway) recordRun(ctx context.Context, run *Run) {
	session, err := g.sessions.Get(ctx, run.SessionID)
	if err != nil {
		slog.Warn("load session for run record", "session_id", string(run.SessionID), "error", err)
		return
	}
	session.LastRunID = run.ID
	if err := g.sessions.Update(ctx, session); err != nil {
		slog.Warn("record run on session", "session_id", string(run.SessionID), "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
