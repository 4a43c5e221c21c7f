//go:build integration

package test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	ctxengine "github.com/user/turnlog/internal/context"
	"github.com/user/turnlog/internal/events"
	"github.com/user/turnlog/internal/gateway"
	"github.com/user/turnlog/internal/hub"
	"github.com/user/turnlog/internal/materialize"
	"github.com/user/turnlog/internal/persist"
	"github.com/user/turnlog/internal/runtime"
	"github.com/user/turnlog/internal/sequence"
	"github.com/user/turnlog/internal/state"
	"github.com/user/turnlog/internal/types"
	"github.com/user/turnlog/pkg/llm/lorem"
)

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	sessions := state.NewSessionStore(dir)
	log := state.NewEventLog(dir)
	messages := state.NewMessageStore(dir)

	queue := materialize.NewLocalQueue(materialize.NewWorker(messages, log), 2)
	queue.Start(ctx)
	defer queue.Stop()

	alloc := sequence.NewAllocator(sequence.NewMemoryCounter(), log)
	h := hub.New()
	coord := persist.NewCoordinator(log, queue, alloc, persist.WithNotifier(h))

	rt := runtime.New(lorem.New(lorem.Options{Words: 6}), ctxengine.New("gpt-4", 128000, 4096),
		sessions, messages, runtime.NewRegistry(), sequence.NewSequencer(alloc), coord, h,
		runtime.Config{Model: "lorem", MaxRounds: 4})

	gw := gateway.New(sessions, rt.ProcessRun, 4)
	gw.Start(ctx)
	defer gw.Stop()

	replies := make(chan string, 3)
	key := types.NewSessionKey("test", "user1")
	for i := 0; i < 3; i++ {
		inbound := &types.InboundEvent{
			Source:     "test",
			SessionKey: key,
			UserID:     "user1",
			Text:       fmt.Sprintf("message %d", i),
		}
		_, err := gw.HandleInbound(ctx, inbound, gateway.WithOnComplete(func(s string) { replies <- s }))
		if err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case r := <-replies:
			if r == "" {
				t.Error("empty reply")
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for reply %d", i)
		}
	}
	coord.Wait()
	if !queue.WaitIdle(5 * time.Second) {
		t.Fatal("materialization did not drain")
	}

	sessionList, err := sessions.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessionList) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessionList))
	}
	sid := sessionList[0].SessionID

	entries, err := log.Read(ctx, sid, -1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 6 {
		t.Fatalf("expected 6 log entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.SequenceNumber != int64(i) {
			t.Errorf("entry %d has sequence %d", i, e.SequenceNumber)
		}
		if !e.Processed {
			t.Errorf("entry %d not processed", i)
		}
	}
	for i := 0; i < 3; i++ {
		if entries[2*i].EventType != string(events.KindUserMessageSubmitted) {
			t.Errorf("entry %d type = %s, want user message", 2*i, entries[2*i].EventType)
		}
	}

	rows, err := messages.List(ctx, sid, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 6 {
		t.Fatalf("expected 6 projection rows, got %d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].SequenceNumber < rows[i-1].SequenceNumber {
			t.Errorf("projection out of order at %d", i)
		}
	}

	pending, err := log.Unprocessed(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no unprocessed entries, got %d", len(pending))
	}
}

type downQueue struct{}

func (downQueue) Enqueue(context.Context, *types.MaterializationJob) (string, error) {
	return "", errors.New("queue unavailable")
}

// TestReplayRebuildsProjection materializes entries whose enqueue failed.
func TestReplayRebuildsProjection(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	log := state.NewEventLog(dir)
	messages := state.NewMessageStore(dir)
	alloc := sequence.NewAllocator(sequence.NewMemoryCounter(), log)
	sid := types.NewSessionID()

	// Enqueue fails, so every entry stays unprocessed.
	coord := persist.NewCoordinator(log, downQueue{}, alloc)
	norm := events.NewNormalizer()
	for i := 0; i < 3; i++ {
		if _, err := coord.Persist(ctx, norm.UserMessage(sid, fmt.Sprintf("hi %d", i), "test")); err != nil {
			t.Fatal(err)
		}
	}

	queue := materialize.NewLocalQueue(materialize.NewWorker(messages, log), 1)
	queue.Start(ctx)
	defer queue.Stop()

	n, err := materialize.NewReplayer(log, queue).Run(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("replayed %d entries, want 3", n)
	}
	if !queue.WaitIdle(5 * time.Second) {
		t.Fatal("materialization did not drain")
	}
	rows, err := messages.List(ctx, sid, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Errorf("expected 3 rows, got %d", len(rows))
	}
}
