// Package runtime drives one conversational turn end to end: stream the
// model's reply to live clients, run the tools it asks for, then sequence
// and persist what happened.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	ctxengine "github.com/user/turnlog/internal/context"
	"github.com/user/turnlog/internal/events"
	"github.com/user/turnlog/internal/gateway"
	"github.com/user/turnlog/internal/persist"
	"github.com/user/turnlog/internal/sequence"
	"github.com/user/turnlog/internal/stream"
	"github.com/user/turnlog/internal/types"
	"github.com/user/turnlog/pkg/llm"
)

// ErrMaxRounds is returned when the model keeps calling tools past the
// configured number of rounds.
var ErrMaxRounds = errors.New("runtime: max tool rounds exceeded")

// Publisher receives live UI messages.
type Publisher interface {
	Publish(msg events.UIMessage)
}

// Config holds the per-request model settings.
type Config struct {
	Model        string
	MaxTokens    int
	Temperature  float32
	MaxRounds    int
	HistoryLimit int
}

// Runtime implements the agentic turn loop.
type Runtime struct {
	provider   llm.Provider
	engine     *ctxengine.Engine
	sessions   types.SessionStore
	messages   types.ProjectionStore
	registry   *Registry
	normalizer *events.Normalizer
	sequencer  *sequence.Sequencer
	coord      *persist.Coordinator
	publisher  Publisher
	cfg        Config
}

// New creates a Runtime with the given dependencies. publisher may be nil.
func New(
	provider llm.Provider,
	engine *ctxengine.Engine,
	sessions types.SessionStore,
	messages types.ProjectionStore,
	registry *Registry,
	sequencer *sequence.Sequencer,
	coord *persist.Coordinator,
	publisher Publisher,
	cfg Config,
) *Runtime {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 10
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 200
	}
	return &Runtime{
		provider:   provider,
		engine:     engine,
		sessions:   sessions,
		messages:   messages,
		registry:   registry,
		normalizer: events.NewNormalizer(),
		sequencer:  sequencer,
		coord:      coord,
		publisher:  publisher,
		cfg:        cfg,
	}
}

// ProcessRun executes the agentic turn loop for a single run.
// This is the function the gateway calls for each queued run.
func (rt *Runtime) ProcessRun(ctx context.Context, run *gateway.Run) error {
	sid := run.SessionID
	ctx = types.WithSessionID(ctx, sid)

	// 1. Record the user message, once per run
	if run.UserEventID == "" {
		ev := rt.normalizer.UserMessage(sid, run.Event.Text, run.Event.Source)
		rt.publishEvent(ev, events.LifecyclePending)
		if _, err := rt.coord.Persist(ctx, ev); err != nil {
			return fmt.Errorf("persist user message: %w", err)
		}
		run.UserEventID = ev.ID
	}

	// 2. Build the prompt from the projection
	session, err := rt.sessions.Get(ctx, sid)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	rows, err := rt.messages.List(ctx, sid, rt.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	system, history, err := rt.engine.BuildPrompt(ctx, session, rows, rt.registry.Names(), run.UserEventID)
	if err != nil {
		return fmt.Errorf("build prompt: %w", err)
	}
	history = append(history, llm.Message{Role: "user", Content: run.Event.Text})

	for round := 0; round < rt.cfg.MaxRounds; round++ {
		// 3. Stream one model turn
		res, err := rt.streamTurn(ctx, sid, system, history)
		if err != nil {
			return err
		}

		// 4. Run requested tools
		calls := res.ToolInvocations()
		responses := make(map[string]events.ToolResponded, len(calls))
		for _, call := range calls {
			responses[call.ToolCallID] = rt.registry.Invoke(ctx, call)
		}

		// 5. Normalize, sequence, persist
		last, err := rt.commitTurn(ctx, run, res, responses)
		if err != nil {
			return err
		}
		rt.recordProgress(ctx, session, last)

		if len(calls) == 0 {
			if run.OnComplete != nil {
				run.OnComplete(res.Text())
			}
			return nil
		}

		history = append(history, assistantMessage(res, calls))
		for _, call := range calls {
			resp := responses[call.ToolCallID]
			history = append(history, llm.Message{
				Role:       "tool",
				Content:    resp.Output,
				ToolCallID: call.ToolCallID,
				IsError:    resp.IsError,
			})
		}
	}

	return fmt.Errorf("%w (%d)", ErrMaxRounds, rt.cfg.MaxRounds)
}

func (rt *Runtime) streamTurn(ctx context.Context, sid types.SessionID, system string, history []llm.Message) (*stream.TurnResult, error) {
	ch, err := rt.provider.Stream(ctx, &llm.Request{
		Model:       rt.cfg.Model,
		System:      system,
		Messages:    history,
		Tools:       rt.registry.AsLLMTools(),
		MaxTokens:   rt.cfg.MaxTokens,
		Temperature: rt.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	res, err := stream.NewProcessor().Process(ctx, ch, func(c stream.Chunk) {
		if rt.publisher != nil {
			rt.publisher.Publish(events.ChunkMessage(sid, c))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("consume stream: %w", err)
	}
	return res, nil
}

// commitTurn turns a finished round into events and persists them. Events
// that must be durable before the turn continues are appended in order;
// tool executions go through the fire-and-forget batch. The run is marked
// committed as soon as anything is appended. It returns the
// highest sequence reserved, or -1.
func (rt *Runtime) commitTurn(ctx context.Context, run *gateway.Run, res *stream.TurnResult, responses map[string]events.ToolResponded) (int64, error) {
	sid := run.SessionID
	batch := rt.normalizer.Turn(sid, res, responses)
	reservation, err := rt.sequencer.Sequence(ctx, sid, batch)
	if err != nil {
		return -1, fmt.Errorf("sequence turn: %w", err)
	}

	for _, ev := range batch {
		rt.publishEvent(ev, events.LifecycleFor(ev.Strategy))
	}

	pairs := events.ToolPairs(batch)
	paired := make(map[types.EventID]bool, 2*len(pairs))
	for _, p := range pairs {
		paired[p.Request.ID] = true
		paired[p.Response.ID] = true
	}
	for _, ev := range batch {
		if !ev.Persistable() || paired[ev.ID] {
			continue
		}
		if _, err := rt.coord.Persist(ctx, ev); err != nil {
			return -1, fmt.Errorf("persist %s: %w", ev.Kind(), err)
		}
		run.Committed = true
	}
	if len(pairs) > 0 {
		run.Committed = true
	}
	rt.coord.PersistToolExecutions(ctx, sid, pairs)

	slog.Info("turn committed",
		"session_id", string(sid),
		"message_id", res.MessageID,
		"events", len(batch),
		"tool_pairs", len(pairs),
		"stop_reason", res.StopReason,
		"output_tokens", res.Usage.OutputTokens,
	)

	if reservation == nil {
		return -1, nil
	}
	return reservation.Sequences[len(reservation.Sequences)-1], nil
}

func (rt *Runtime) publishEvent(ev *events.Event, lc events.Lifecycle) {
	if rt.publisher == nil {
		return
	}
	msg, err := ev.Message(lc)
	if err != nil {
		slog.Warn("render ui event", "event_id", string(ev.ID), "error", err)
		return
	}
	rt.publisher.Publish(msg)
}

func (rt *Runtime) recordProgress(ctx context.Context, session *types.SessionIndex, last int64) {
	if last < 0 || last <= session.LastEventSeq {
		return
	}
	session.LastEventSeq = last
	if err := rt.sessions.Update(ctx, session); err != nil {
		slog.Warn("update session", "session_id", string(session.SessionID), "error", err)
	}
}

func assistantMessage(res *stream.TurnResult, calls []stream.Block) llm.Message {
	msg := llm.Message{Role: "assistant", Content: res.Text()}
	for _, call := range calls {
		args, err := json.Marshal(call.Input)
		if err != nil {
			args = json.RawMessage(`{}`)
		}
		msg.Tools = append(msg.Tools, llm.ToolCall{
			ID:   call.ToolCallID,
			Type: "function",
			Function: llm.FunctionCall{
				Name:      call.ToolName,
				Arguments: args,
			},
		})
	}
	return msg
}
