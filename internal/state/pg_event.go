package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/turnlog/internal/types"
)

// PgEventLog is a PostgreSQL-backed event log. Uniqueness of
// (session_id, sequence_number) is enforced by the table.
type PgEventLog struct {
	pool *pgxpool.Pool
}

func NewPgEventLog(pool *pgxpool.Pool) *PgEventLog {
	return &PgEventLog{pool: pool}
}

// EnsureTable creates the event_log table if it doesn't exist.
func (s *PgEventLog) EnsureTable(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS event_log (
			id              TEXT PRIMARY KEY,
			session_id      TEXT NOT NULL,
			event_type      TEXT NOT NULL,
			sequence_number BIGINT NOT NULL,
			timestamp       TIMESTAMPTZ NOT NULL,
			data            JSONB NOT NULL DEFAULT '{}',
			processed       BOOLEAN NOT NULL DEFAULT FALSE,
			CONSTRAINT event_log_session_seq UNIQUE (session_id, sequence_number)
		)`)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_event_log_unprocessed ON event_log(session_id, sequence_number) WHERE NOT processed`)
	return err
}

func (s *PgEventLog) Append(ctx context.Context, req *types.AppendRequest) (*types.AppendResult, error) {
	if req.Sequence == nil {
		return nil, errNoSequence
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ts = ts.Truncate(time.Microsecond)
	data := req.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	var (
		id  string
		seq int64
		at  time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO event_log (id, session_id, event_type, sequence_number, timestamp, data)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		RETURNING id, sequence_number, timestamp`,
		string(req.EventID), string(req.SessionID), req.EventType, *req.Sequence, ts, string(data)).
		Scan(&id, &seq, &at)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == "event_log_session_seq" {
				return nil, fmt.Errorf("%w: session %s already has %d", ErrSequenceConflict, req.SessionID, *req.Sequence)
			}
			return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, req.EventID)
		}
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return &types.AppendResult{ID: types.EventID(id), SequenceNumber: &seq, Timestamp: at}, nil
}

func (s *PgEventLog) Read(ctx context.Context, sessionID types.SessionID, afterSeq int64, limit int) ([]*types.LogEntry, error) {
	return s.scanMany(ctx, `
		SELECT id, session_id, event_type, sequence_number, timestamp, data, processed
		FROM event_log WHERE session_id = $1 AND sequence_number > $2
		ORDER BY sequence_number LIMIT $3`, string(sessionID), afterSeq, limitArg(limit))
}

func (s *PgEventLog) MaxSequence(ctx context.Context, sessionID types.SessionID) (int64, error) {
	var max int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence_number), -1) FROM event_log WHERE session_id = $1`,
		string(sessionID)).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max sequence: %w", err)
	}
	return max, nil
}

func (s *PgEventLog) Count(ctx context.Context, sessionID types.SessionID) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_log WHERE session_id = $1`, string(sessionID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *PgEventLog) MarkProcessed(ctx context.Context, id types.EventID) error {
	if _, err := s.pool.Exec(ctx, `UPDATE event_log SET processed = TRUE WHERE id = $1`, string(id)); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (s *PgEventLog) Unprocessed(ctx context.Context, limit int) ([]*types.LogEntry, error) {
	return s.scanMany(ctx, `
		SELECT id, session_id, event_type, sequence_number, timestamp, data, processed
		FROM event_log WHERE NOT processed
		ORDER BY session_id, sequence_number LIMIT $1`, limitArg(limit))
}

func (s *PgEventLog) Purge(ctx context.Context, sessionID types.SessionID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM event_log WHERE session_id = $1`, string(sessionID)); err != nil {
		return fmt.Errorf("purge events: %w", err)
	}
	return nil
}

func (s *PgEventLog) scanMany(ctx context.Context, query string, args ...any) ([]*types.LogEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.LogEntry
	for rows.Next() {
		var (
			e        types.LogEntry
			id, sid  string
			dataJSON []byte
		)
		if err := rows.Scan(&id, &sid, &e.EventType, &e.SequenceNumber, &e.Timestamp, &dataJSON, &e.Processed); err != nil {
			return nil, err
		}
		e.ID = types.EventID(id)
		e.SessionID = types.SessionID(sid)
		e.Data = json.RawMessage(dataJSON)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// limitArg maps a non-positive limit to SQL NULL, which LIMIT treats as
// unbounded.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
