// Package events defines the provider-independent events a turn produces
// and how each one is persisted.
package events

import (
	"time"

	"github.com/user/turnlog/internal/types"
)

// Strategy says whether and how urgently an event must be durably sequenced.
type Strategy string

const (
	Transient    Strategy = "transient"
	AsyncAllowed Strategy = "async_allowed"
	SyncRequired Strategy = "sync_required"
)

// Lifecycle is the client-visible persistence state of an event.
type Lifecycle string

const (
	LifecyclePending   Lifecycle = "pending"
	LifecyclePersisted Lifecycle = "persisted"
	LifecycleTransient Lifecycle = "transient"
)

type Kind string

const (
	KindUserMessageSubmitted    Kind = "user_message_submitted"
	KindReasoningEmitted        Kind = "reasoning_emitted"
	KindToolRequested           Kind = "tool_requested"
	KindToolResponded           Kind = "tool_responded"
	KindAssistantMessageEmitted Kind = "assistant_message_emitted"
	KindTurnComplete            Kind = "turn_complete"
)

var strategies = map[Kind]Strategy{
	KindUserMessageSubmitted:    SyncRequired,
	KindReasoningEmitted:        SyncRequired,
	KindToolRequested:           AsyncAllowed,
	KindToolResponded:           AsyncAllowed,
	KindAssistantMessageEmitted: SyncRequired,
	KindTurnComplete:            Transient,
}

// StrategyFor returns the fixed persistence strategy of a kind. Unknown
// kinds are transient so they can never consume a sequence number.
func StrategyFor(k Kind) Strategy {
	if s, ok := strategies[k]; ok {
		return s
	}
	return Transient
}

// LifecycleFor maps a strategy to the lifecycle shown before persistence
// is confirmed.
func LifecycleFor(s Strategy) Lifecycle {
	if s == Transient {
		return LifecycleTransient
	}
	return LifecyclePending
}

// Event is a normalized occurrence within a session. Sequence is nil until
// the sequencer assigns one; transient events never get one.
type Event struct {
	ID            types.EventID
	SessionID     types.SessionID
	Timestamp     time.Time
	OriginalIndex int
	Strategy      Strategy
	Sequence      *int64
	Payload       Payload
}

func (e *Event) Kind() Kind {
	return e.Payload.Kind()
}

func (e *Event) Persistable() bool {
	return e.Strategy != Transient
}
