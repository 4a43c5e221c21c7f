// Package sequence reserves and assigns per-session sequence numbers.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/turnlog/internal/types"
)

var (
	ErrInvalidCount        = errors.New("sequence: reservation count must be positive")
	ErrReservationMismatch = errors.New("sequence: reserved count does not match persistable events")
)

const (
	DefaultKeyPrefix = "turnlog:seq:"
	DefaultTTL       = 7 * 24 * time.Hour
)

// MaxSequencer reports the highest sequence committed to the durable log
// for a session, or -1 when there is none.
type MaxSequencer interface {
	MaxSequence(ctx context.Context, sessionID types.SessionID) (int64, error)
}

// Reservation is a contiguous block of sequence numbers for one session.
type Reservation struct {
	SessionID  types.SessionID
	Sequences  []int64
	ReservedAt time.Time
	// Fallback is set when the numbers came from the durable log instead
	// of the counter store.
	Fallback bool
}

// Allocator hands out sequence ranges from a shared counter. When the
// counter is unreachable it resumes from the durable log's maximum; that
// path is best effort and not atomic across processes.
type Allocator struct {
	counter CounterStore
	log     MaxSequencer
	prefix  string
	ttl     time.Duration

	mu sync.Mutex
	// highWater is the next free sequence issued by the fallback path for
	// each session that has not yet been reconciled.
	highWater map[types.SessionID]int64
	// seeded records when each session's counter was last checked against
	// the log or used. A counter that was lost or expired restarts at zero,
	// so an entry older than the counter TTL no longer counts.
	seeded    map[types.SessionID]time.Time
	lastSweep time.Time
	now       func() time.Time
}

type AllocatorOption func(*Allocator)

func WithKeyPrefix(prefix string) AllocatorOption {
	return func(a *Allocator) { a.prefix = prefix }
}

func WithTTL(ttl time.Duration) AllocatorOption {
	return func(a *Allocator) { a.ttl = ttl }
}

func NewAllocator(counter CounterStore, log MaxSequencer, opts ...AllocatorOption) *Allocator {
	a := &Allocator{
		counter:   counter,
		log:       log,
		prefix:    DefaultKeyPrefix,
		ttl:       DefaultTTL,
		highWater: make(map[types.SessionID]int64),
		seeded:    make(map[types.SessionID]time.Time),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Allocator) key(sessionID types.SessionID) string {
	return a.prefix + string(sessionID)
}

// Reserve claims count consecutive sequence numbers for the session.
func (a *Allocator) Reserve(ctx context.Context, sessionID types.SessionID, count int) (*Reservation, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}

	seeded := true
	if a.needsReconcile(sessionID) {
		if _, counterOK, err := a.reconcile(ctx, sessionID); err != nil {
			if !counterOK {
				slog.Warn("sequence counter still unavailable", "session_id", string(sessionID), "error", err)
				return a.reserveFromLog(ctx, sessionID, count, err)
			}
			slog.Warn("durable log unavailable, reserving from counter without reconcile", "session_id", string(sessionID), "error", err)
			seeded = false
		}
	}

	key := a.key(sessionID)
	next, err := a.counter.IncrementBy(ctx, key, int64(count))
	if err != nil {
		slog.Warn("sequence counter increment failed, using log fallback", "session_id", string(sessionID), "error", err)
		return a.reserveFromLog(ctx, sessionID, count, err)
	}

	if err := a.counter.Expire(ctx, key, a.ttl); err != nil {
		slog.Warn("failed to set sequence counter ttl", "session_id", string(sessionID), "error", err)
	}
	if seeded {
		a.touch(sessionID)
	}

	return &Reservation{
		SessionID:  sessionID,
		Sequences:  contiguous(next-int64(count), count),
		ReservedAt: time.Now().UTC(),
	}, nil
}

func (a *Allocator) reserveFromLog(ctx context.Context, sessionID types.SessionID, count int, cause error) (*Reservation, error) {
	maxSeq, err := a.log.MaxSequence(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reserve sequences: counter: %v; log fallback: %w", cause, err)
	}

	a.mu.Lock()
	start := maxSeq + 1
	if hw, ok := a.highWater[sessionID]; ok && hw > start {
		start = hw
	}
	a.highWater[sessionID] = start + int64(count)
	a.mu.Unlock()

	slog.Info("reserved sequences from log fallback", "session_id", string(sessionID), "start", start, "count", count)
	return &Reservation{
		SessionID:  sessionID,
		Sequences:  contiguous(start, count),
		ReservedAt: time.Now().UTC(),
		Fallback:   true,
	}, nil
}

func (a *Allocator) isDegraded(sessionID types.SessionID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.highWater[sessionID]
	return ok
}

func (a *Allocator) needsReconcile(sessionID types.SessionID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, degraded := a.highWater[sessionID]; degraded {
		return true
	}
	at, ok := a.seeded[sessionID]
	return !ok || a.now().Sub(at) >= a.ttl
}

// touch marks the session's counter as live and drops entries past the TTL,
// at most once per sweep interval.
func (a *Allocator) touch(sessionID types.SessionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.touchLocked(sessionID)
}

func (a *Allocator) touchLocked(sessionID types.SessionID) {
	now := a.now()
	a.seeded[sessionID] = now
	if now.Sub(a.lastSweep) < min(a.ttl, time.Hour) {
		return
	}
	a.lastSweep = now
	for sid, at := range a.seeded {
		if now.Sub(at) >= a.ttl {
			delete(a.seeded, sid)
		}
	}
}

// Reconcile raises the session counter to at least max(log max + 1, the
// fallback high-water mark). The counter only ever moves forward, so a
// concurrent reservation can widen the gap but never overlap. It returns
// the counter value afterwards.
func (a *Allocator) Reconcile(ctx context.Context, sessionID types.SessionID) (int64, error) {
	v, _, err := a.reconcile(ctx, sessionID)
	return v, err
}

// reconcile reports counterOK when the counter answered, even if the log did
// not. Without the log it still raises the counter past this process's
// fallback high-water mark, but the session stays unseeded.
func (a *Allocator) reconcile(ctx context.Context, sessionID types.SessionID) (int64, bool, error) {
	key := a.key(sessionID)
	current, err := a.counter.Current(ctx, key)
	if err != nil {
		return 0, false, fmt.Errorf("read counter: %w", err)
	}
	maxSeq, logErr := a.log.MaxSequence(ctx, sessionID)
	if logErr != nil {
		maxSeq = -1
	}

	a.mu.Lock()
	target := maxSeq + 1
	if hw, ok := a.highWater[sessionID]; ok && hw > target {
		target = hw
	}
	a.mu.Unlock()

	if current < target {
		current, err = a.counter.IncrementBy(ctx, key, target-current)
		if err != nil {
			return 0, false, fmt.Errorf("advance counter: %w", err)
		}
		if err := a.counter.Expire(ctx, key, a.ttl); err != nil {
			slog.Warn("failed to set sequence counter ttl", "session_id", string(sessionID), "error", err)
		}
		slog.Info("sequence counter reconciled", "session_id", string(sessionID), "counter", current, "target", target)
	}

	a.mu.Lock()
	if hw, ok := a.highWater[sessionID]; ok && hw <= current {
		delete(a.highWater, sessionID)
	}
	if logErr == nil {
		a.touchLocked(sessionID)
	}
	a.mu.Unlock()

	if logErr != nil {
		return current, true, fmt.Errorf("read log max: %w", logErr)
	}
	return current, true, nil
}

// CurrentSequence returns the next sequence the counter would issue, or 0
// if unset. When the counter is unavailable it returns log max + 1.
func (a *Allocator) CurrentSequence(ctx context.Context, sessionID types.SessionID) (int64, error) {
	v, err := a.counter.Current(ctx, a.key(sessionID))
	if err == nil {
		return v, nil
	}
	maxSeq, logErr := a.log.MaxSequence(ctx, sessionID)
	if logErr != nil {
		return 0, fmt.Errorf("current sequence: counter: %v; log fallback: %w", err, logErr)
	}
	return maxSeq + 1, nil
}

func contiguous(start int64, count int) []int64 {
	out := make([]int64, count)
	for i := range out {
		out[i] = start + int64(i)
	}
	return out
}
