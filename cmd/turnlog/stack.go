package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/turnlog/internal/config"
	ctxengine "github.com/user/turnlog/internal/context"
	"github.com/user/turnlog/internal/gateway"
	"github.com/user/turnlog/internal/hub"
	"github.com/user/turnlog/internal/materialize"
	"github.com/user/turnlog/internal/persist"
	"github.com/user/turnlog/internal/runtime"
	"github.com/user/turnlog/internal/runtime/tools"
	"github.com/user/turnlog/internal/sequence"
	"github.com/user/turnlog/internal/state"
	"github.com/user/turnlog/internal/types"
	"github.com/user/turnlog/pkg/llm"
	"github.com/user/turnlog/pkg/llm/anthropic"
	"github.com/user/turnlog/pkg/llm/lorem"
	"github.com/user/turnlog/pkg/llm/openai"
)

// stores are the durable pieces every command needs.
type stores struct {
	sessions *state.SessionStore
	log      types.EventLog
	messages types.ProjectionStore
	pool     *pgxpool.Pool
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &stores{sessions: state.NewSessionStore(cfg.DataDir)}

	switch cfg.Storage.Driver {
	case "", "file":
		s.log = state.NewEventLog(cfg.DataDir)
		s.messages = state.NewMessageStore(cfg.DataDir)
	case "postgres":
		if cfg.Storage.DatabaseURL == "" {
			return nil, fmt.Errorf("storage.database_url is required for the postgres driver")
		}
		pool, err := state.Connect(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		pgLog := state.NewPgEventLog(pool)
		pgMessages := state.NewPgMessageStore(pool)
		if err := pgLog.EnsureTable(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		if err := pgMessages.EnsureTable(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		s.log, s.messages, s.pool = pgLog, pgMessages, pool
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	return s, nil
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// openAllocator builds the sequence allocator over the configured counter.
func openAllocator(ctx context.Context, cfg *config.Config, log types.EventLog) (*sequence.Allocator, func(), error) {
	var counter sequence.CounterStore
	closeFn := func() {}

	switch cfg.Counter.Driver {
	case "", "memory":
		counter = sequence.NewMemoryCounter()
	case "redis":
		rc, err := sequence.NewRedisCounter(ctx, cfg.Counter.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		counter = rc
		closeFn = func() { rc.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown counter driver %q", cfg.Counter.Driver)
	}

	opts := []sequence.AllocatorOption{}
	if cfg.Counter.KeyPrefix != "" {
		opts = append(opts, sequence.WithKeyPrefix(cfg.Counter.KeyPrefix))
	}
	if cfg.Counter.TTLHours > 0 {
		opts = append(opts, sequence.WithTTL(time.Duration(cfg.Counter.TTLHours)*time.Hour))
	}
	return sequence.NewAllocator(counter, log, opts...), closeFn, nil
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	llmCfg := &llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	}
	switch cfg.LLM.Provider {
	case "anthropic":
		p, err := anthropic.New(llmCfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "openai":
		return openai.New(llmCfg), nil
	case "lorem":
		return lorem.New(lorem.Options{Words: 40, Delay: 15 * time.Millisecond, Reasoning: true}), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}

// stack is the fully wired turn pipeline.
type stack struct {
	*stores
	allocator *sequence.Allocator
	hub       *hub.Hub
	coord     *persist.Coordinator
	replayer  *materialize.Replayer
	gateway   *gateway.Gateway
	local     *materialize.LocalQueue
	jet       *materialize.JetStreamQueue
	closers   []func()
	closeOnce sync.Once
}

// buildStack wires the pipeline and the turn runtime on top of it.
func buildStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	s, err := openPipeline(ctx, cfg)
	if err != nil {
		return nil, err
	}

	provider, err := newProvider(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	engine := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)

	registry := runtime.NewRegistry()
	registry.Register(tools.NewReadURL(0))
	registry.Register(tools.NewSearchHistory(s.messages))

	rt := runtime.New(provider, engine, s.sessions, s.messages, registry,
		sequence.NewSequencer(s.allocator), s.coord, s.hub, runtime.Config{
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			MaxRounds:   cfg.MaxToolRounds,
		})
	s.gateway = gateway.New(s.sessions, rt.ProcessRun, int64(cfg.MaxConcurrent))
	return s, nil
}

// openPipeline wires storage, sequencing and materialization without a
// model provider.
func openPipeline(ctx context.Context, cfg *config.Config) (*stack, error) {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &stack{stores: st, hub: hub.New()}
	s.closers = append(s.closers, st.Close)

	alloc, closeCounter, err := openAllocator(ctx, cfg, st.log)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.allocator = alloc
	s.closers = append(s.closers, closeCounter)

	worker := materialize.NewWorker(st.messages, st.log)
	var queue types.MaterializationQueue
	switch cfg.Queue.Driver {
	case "", "local":
		s.local = materialize.NewLocalQueue(worker, int64(cfg.Queue.Workers))
		queue = s.local
	case "nats":
		jq, err := materialize.NewJetStreamQueue(ctx, cfg.Queue.NatsURL, cfg.Queue.Stream, worker)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.jet = jq
		s.closers = append(s.closers, jq.Close)
		queue = jq
	default:
		s.Close()
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}

	s.coord = persist.NewCoordinator(st.log, queue, alloc, persist.WithNotifier(s.hub))
	s.replayer = materialize.NewReplayer(st.log, queue)
	return s, nil
}

func (s *stack) startQueue(ctx context.Context) error {
	if s.local != nil {
		s.local.Start(ctx)
	}
	if s.jet != nil {
		return s.jet.Start(ctx)
	}
	return nil
}

// Start runs the materialization consumer and the run lanes, then replays
// anything the log holds that never reached the projection.
func (s *stack) Start(ctx context.Context) error {
	if err := s.startQueue(ctx); err != nil {
		return err
	}
	s.gateway.Start(ctx)

	n, err := s.replayer.Run(ctx, 0)
	if err != nil {
		slog.Warn("startup replay failed", "error", err)
	} else if n > 0 {
		slog.Info("replayed unprocessed log entries", "count", n)
	}
	return nil
}

// Close stops runs first, waits for in-flight tool batches, then tears
// down the queue and stores. Later calls do nothing.
func (s *stack) Close() {
	s.closeOnce.Do(s.close)
}

func (s *stack) close() {
	if s.gateway != nil {
		s.gateway.Stop()
	}
	if s.coord != nil {
		s.coord.Wait()
	}
	if s.local != nil {
		s.local.WaitIdle(5 * time.Second)
		s.local.Stop()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}
