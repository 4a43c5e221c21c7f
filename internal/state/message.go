package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/turnlog/internal/types"
)

// MessageStore is a JSON-file-backed messages projection, one file per
// session at sessions/<sessionID>/messages.json.
type MessageStore struct {
	root string
	mu   sync.Mutex
}

func NewMessageStore(root string) *MessageStore {
	return &MessageStore{root: root}
}

func (m *MessageStore) path(sessionID types.SessionID) string {
	return filepath.Join(m.root, "sessions", string(sessionID), "messages.json")
}

func (m *MessageStore) load(sessionID types.SessionID) (map[string]*types.Message, error) {
	data, err := os.ReadFile(m.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*types.Message), nil
		}
		return nil, fmt.Errorf("read messages: %w", err)
	}
	var rows map[string]*types.Message
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	if rows == nil {
		rows = make(map[string]*types.Message)
	}
	return rows, nil
}

func (m *MessageStore) save(sessionID types.SessionID, rows map[string]*types.Message) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	path := m.path(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp messages: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp messages: %w", err)
	}
	return nil
}

// Upsert creates the row or merges msg into it. See MergeMessage.
func (m *MessageStore) Upsert(_ context.Context, msg *types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.load(msg.SessionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if existing, ok := rows[msg.ID]; ok {
		rows[msg.ID] = MergeMessage(existing, msg, now)
	} else {
		row := *msg
		row.CreatedAt = now
		row.UpdatedAt = now
		rows[msg.ID] = &row
	}
	return m.save(msg.SessionID, rows)
}

func (m *MessageStore) Get(_ context.Context, sessionID types.SessionID, id string) (*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.load(sessionID)
	if err != nil {
		return nil, err
	}
	row, ok := rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return row, nil
}

// List returns the session's rows in sequence order. A positive limit keeps
// the most recent rows.
func (m *MessageStore) List(_ context.Context, sessionID types.SessionID, limit int) ([]*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.load(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceNumber != out[j].SequenceNumber {
			return out[i].SequenceNumber < out[j].SequenceNumber
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MessageStore) Clear(_ context.Context, sessionID types.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove messages: %w", err)
	}
	return nil
}

// MergeMessage folds an incoming write into an existing row. The write
// with the higher sequence number wins for content, metadata keys and
// back-references, whichever order the writes arrive in; empty content
// never overwrites. Replaying the same write leaves the row unchanged.
func MergeMessage(existing, in *types.Message, now time.Time) *types.Message {
	out := *existing
	newer := in.SequenceNumber > existing.SequenceNumber

	switch {
	case newer && in.Content != "":
		out.Content = in.Content
	case out.Content == "":
		out.Content = in.Content
	}

	meta := make(map[string]any, len(existing.Metadata)+len(in.Metadata))
	first, second := in.Metadata, existing.Metadata
	if newer {
		first, second = existing.Metadata, in.Metadata
	}
	for k, v := range first {
		meta[k] = v
	}
	for k, v := range second {
		meta[k] = v
	}
	if len(meta) > 0 {
		out.Metadata = meta
	}

	if newer {
		if in.Role != "" {
			out.Role = in.Role
		}
		if in.MessageType != "" {
			out.MessageType = in.MessageType
		}
		out.SequenceNumber = in.SequenceNumber
		out.EventID = in.EventID
	}
	out.UpdatedAt = now
	return &out
}
