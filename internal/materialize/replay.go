package materialize

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/user/turnlog/internal/events"
	"github.com/user/turnlog/internal/types"
)

const defaultReplayParallel = 4

// Replayer re-enqueues jobs for log entries whose projection write was never
// applied, for instance because the process died between append and enqueue.
type Replayer struct {
	log      types.EventLog
	queue    types.MaterializationQueue
	parallel int
}

func NewReplayer(log types.EventLog, queue types.MaterializationQueue) *Replayer {
	return &Replayer{log: log, queue: queue, parallel: defaultReplayParallel}
}

// Run scans up to limit unprocessed entries (all of them when limit <= 0)
// and enqueues a rebuilt job for each. Sessions are replayed in parallel,
// entries within a session in sequence order. It returns the number of jobs
// enqueued.
func (r *Replayer) Run(ctx context.Context, limit int) (int, error) {
	entries, err := r.log.Unprocessed(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list unprocessed: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var order []types.SessionID
	bySession := make(map[types.SessionID][]*types.LogEntry)
	for _, e := range entries {
		if _, ok := bySession[e.SessionID]; !ok {
			order = append(order, e.SessionID)
		}
		bySession[e.SessionID] = append(bySession[e.SessionID], e)
	}

	counts := make([]int, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallel)
	for i, sid := range order {
		g.Go(func() error {
			n, err := r.replaySession(gctx, bySession[sid])
			counts[i] = n
			return err
		})
	}
	err = g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	slog.Info("replay finished", "entries", len(entries), "enqueued", total, "sessions", len(order))
	return total, err
}

func (r *Replayer) replaySession(ctx context.Context, entries []*types.LogEntry) (int, error) {
	n := 0
	for _, entry := range entries {
		job, err := events.JobFromEntry(entry)
		if err != nil {
			// An entry that cannot be decoded will never materialize.
			slog.Error("replay: undecodable entry", "event_id", string(entry.ID), "error", err)
			continue
		}
		if job == nil {
			if err := r.log.MarkProcessed(ctx, entry.ID); err != nil {
				return n, err
			}
			continue
		}
		job.Replay = true
		if _, err := r.queue.Enqueue(ctx, job); err != nil {
			return n, fmt.Errorf("enqueue %s: %w", entry.ID, err)
		}
		n++
	}
	return n, nil
}
