package sequence

import (
	"context"
	"fmt"

	"github.com/user/turnlog/internal/events"
	"github.com/user/turnlog/internal/types"
)

// CountPersistable returns how many events need a sequence number.
func CountPersistable(evs []*events.Event) int {
	n := 0
	for _, ev := range evs {
		if ev.Persistable() {
			n++
		}
	}
	return n
}

// Assign maps each persistable event, in slice order, to the next reserved
// sequence. Transient events are skipped. The result depends only on order
// and ids, never on event timestamps.
func Assign(evs []*events.Event, reserved []int64) (map[types.EventID]int64, error) {
	if want := CountPersistable(evs); want != len(reserved) {
		return nil, fmt.Errorf("%w: %d persistable events, %d reserved", ErrReservationMismatch, want, len(reserved))
	}

	out := make(map[types.EventID]int64, len(reserved))
	next := 0
	for _, ev := range evs {
		if !ev.Persistable() {
			continue
		}
		out[ev.ID] = reserved[next]
		next++
	}
	return out, nil
}

// Reserver is the part of Allocator the Sequencer needs.
type Reserver interface {
	Reserve(ctx context.Context, sessionID types.SessionID, count int) (*Reservation, error)
}

// Sequencer reserves and stamps sequence numbers on a turn's event batch.
type Sequencer struct {
	reserver Reserver
}

func NewSequencer(r Reserver) *Sequencer {
	return &Sequencer{reserver: r}
}

// Sequence sets Sequence on every persistable event of the batch. It
// returns nil when there is nothing to reserve.
func (s *Sequencer) Sequence(ctx context.Context, sessionID types.SessionID, evs []*events.Event) (*Reservation, error) {
	count := CountPersistable(evs)
	if count == 0 {
		return nil, nil
	}

	res, err := s.reserver.Reserve(ctx, sessionID, count)
	if err != nil {
		return nil, err
	}

	mapping, err := Assign(evs, res.Sequences)
	if err != nil {
		return nil, err
	}
	for _, ev := range evs {
		if seq, ok := mapping[ev.ID]; ok {
			v := seq
			ev.Sequence = &v
		}
	}
	return res, nil
}
