package sequence

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/user/turnlog/internal/events"
	"github.com/user/turnlog/internal/types"
)

func batch(ts time.Time) []*events.Event {
	mk := func(id string, p events.Payload) *events.Event {
		return &events.Event{
			ID:        types.EventID(id),
			SessionID: "s1",
			Timestamp: ts,
			Strategy:  events.StrategyFor(p.Kind()),
			Payload:   p,
		}
	}
	return []*events.Event{
		mk("reasoning", events.ReasoningEmitted{Text: "r"}),
		mk("tool-request", events.ToolRequested{ToolCallID: "c1"}),
		mk("tool-response", events.ToolResponded{ToolCallID: "c1"}),
		mk("assistant-message", events.AssistantMessageEmitted{Text: "a"}),
		mk("turn-complete", events.TurnComplete{}),
	}
}

func TestCountPersistable(t *testing.T) {
	if n := CountPersistable(batch(time.Now())); n != 4 {
		t.Errorf("expected 4, got %d", n)
	}
	if n := CountPersistable(nil); n != 0 {
		t.Errorf("expected 0, got %d", n)
	}
}

func TestAssignScenario(t *testing.T) {
	got, err := Assign(batch(time.Now()), []int64{100, 101, 102, 103})
	if err != nil {
		t.Fatal(err)
	}
	want := map[types.EventID]int64{
		"reasoning":         100,
		"tool-request":      101,
		"tool-response":     102,
		"assistant-message": 103,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if _, ok := got["turn-complete"]; ok {
		t.Error("expected transient event to get no sequence")
	}
}

func TestAssignDeterministicAcrossTimestamps(t *testing.T) {
	reserved := []int64{7, 8, 9, 10}
	a, err := Assign(batch(time.Unix(0, 0)), reserved)
	if err != nil {
		t.Fatal(err)
	}
	later := batch(time.Now())
	// perturb each timestamp independently
	for i, ev := range later {
		ev.Timestamp = ev.Timestamp.Add(time.Duration(len(later)-i) * time.Hour)
	}
	b, err := Assign(later, reserved)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("expected identical mappings, got %v and %v", a, b)
	}
}

func TestAssignMismatch(t *testing.T) {
	for _, reserved := range [][]int64{{1, 2, 3}, {1, 2, 3, 4, 5}} {
		if _, err := Assign(batch(time.Now()), reserved); !errors.Is(err, ErrReservationMismatch) {
			t.Errorf("reserved %v: expected ErrReservationMismatch, got %v", reserved, err)
		}
	}
}

func TestSequencerStampsEvents(t *testing.T) {
	counter := NewMemoryCounter()
	counter.Set(DefaultKeyPrefix+"s1", 100)
	seq := NewSequencer(NewAllocator(counter, newFakeLog()))

	evs := batch(time.Now())
	res, err := seq.Sequence(context.Background(), "s1", evs)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Sequences) != 4 {
		t.Fatalf("expected 4 reserved, got %d", len(res.Sequences))
	}
	for i, want := range []int64{100, 101, 102, 103} {
		if evs[i].Sequence == nil || *evs[i].Sequence != want {
			t.Errorf("event %d: expected sequence %d, got %v", i, want, evs[i].Sequence)
		}
	}
	if evs[4].Sequence != nil {
		t.Error("expected turn_complete to stay unsequenced")
	}
}

func TestSequencerNothingToReserve(t *testing.T) {
	seq := NewSequencer(NewAllocator(NewMemoryCounter(), newFakeLog()))
	res, err := seq.Sequence(context.Background(), "s1", batch(time.Now())[4:])
	if err != nil || res != nil {
		t.Errorf("expected no reservation, got %+v, %v", res, err)
	}
}
