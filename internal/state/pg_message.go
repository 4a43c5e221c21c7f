package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/turnlog/internal/types"
)

// PgMessageStore is a PostgreSQL-backed messages projection. Its upsert
// applies the same merge rules as MergeMessage inside ON CONFLICT.
type PgMessageStore struct {
	pool *pgxpool.Pool
}

func NewPgMessageStore(pool *pgxpool.Pool) *PgMessageStore {
	return &PgMessageStore{pool: pool}
}

// EnsureTable creates the messages table if it doesn't exist.
func (s *PgMessageStore) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT NOT NULL,
			session_id      TEXT NOT NULL,
			role            TEXT NOT NULL,
			message_type    TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			metadata        JSONB NOT NULL DEFAULT '{}',
			sequence_number BIGINT NOT NULL,
			event_id        TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, id)
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, sequence_number)`)
	return err
}

func (s *PgMessageStore) Upsert(ctx context.Context, msg *types.Message) error {
	meta := msg.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, session_id, role, message_type, content, metadata, sequence_number, event_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $9)
		ON CONFLICT (session_id, id) DO UPDATE SET
			content = CASE
				WHEN EXCLUDED.sequence_number > messages.sequence_number AND EXCLUDED.content <> '' THEN EXCLUDED.content
				WHEN messages.content = '' THEN EXCLUDED.content
				ELSE messages.content END,
			metadata = CASE
				WHEN EXCLUDED.sequence_number > messages.sequence_number THEN messages.metadata || EXCLUDED.metadata
				ELSE EXCLUDED.metadata || messages.metadata END,
			role = CASE
				WHEN EXCLUDED.sequence_number > messages.sequence_number AND EXCLUDED.role <> '' THEN EXCLUDED.role
				ELSE messages.role END,
			message_type = CASE
				WHEN EXCLUDED.sequence_number > messages.sequence_number AND EXCLUDED.message_type <> '' THEN EXCLUDED.message_type
				ELSE messages.message_type END,
			event_id = CASE
				WHEN EXCLUDED.sequence_number > messages.sequence_number THEN EXCLUDED.event_id
				ELSE messages.event_id END,
			sequence_number = GREATEST(messages.sequence_number, EXCLUDED.sequence_number),
			updated_at = EXCLUDED.updated_at`,
		msg.ID, string(msg.SessionID), msg.Role, msg.MessageType, msg.Content, string(metaJSON),
		msg.SequenceNumber, string(msg.EventID), now)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *PgMessageStore) Get(ctx context.Context, sessionID types.SessionID, id string) (*types.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, session_id, role, message_type, content, metadata, sequence_number, event_id, created_at, updated_at
		FROM messages WHERE session_id = $1 AND id = $2`, string(sessionID), id)
	m, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// List returns the session's rows in sequence order. A positive limit keeps
// the most recent rows.
func (s *PgMessageStore) List(ctx context.Context, sessionID types.SessionID, limit int) ([]*types.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT id, session_id, role, message_type, content, metadata, sequence_number, event_id, created_at, updated_at
			FROM messages WHERE session_id = $1
			ORDER BY sequence_number DESC, id DESC LIMIT $2
		) recent ORDER BY sequence_number, id`, string(sessionID), limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PgMessageStore) Clear(ctx context.Context, sessionID types.SessionID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, string(sessionID)); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func scanMessage(row pgx.Row) (*types.Message, error) {
	var (
		m        types.Message
		sid, eid string
		metaJSON []byte
	)
	if err := row.Scan(&m.ID, &sid, &m.Role, &m.MessageType, &m.Content, &metaJSON,
		&m.SequenceNumber, &eid, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.SessionID = types.SessionID(sid)
	m.EventID = types.EventID(eid)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &m, nil
}
