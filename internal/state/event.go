// internal/state/event.go
package state

import (
	"bufio"
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

// EventLog is a JSONL-backed append-only event log.
// Entries are stored per-session in sessions/<sessionID>/events.jsonl;
// processed event ids are appended to processed.log at the root.
type EventLog struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
	index map[types.SessionID]*sessionIndex

	procMu    sync.Mutex
	processed map[types.EventID]bool
}

// sessionIndex caches what Append needs to check uniqueness without
// rereading the file. Guarded by the session lock.
type sessionIndex struct {
	max  int64
	ids  map[types.EventID]bool
	seqs map[int64]bool
}

// NewEventLog creates a new file-backed EventLog rooted at the given directory.
func NewEventLog(root string) *EventLog {
	return &EventLog{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
		index: make(map[types.SessionID]*sessionIndex),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (e *EventLog) getLock(sessionID types.SessionID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, ok := e.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[sessionID] = lock
	return lock
}

func (e *EventLog) eventsPath(sessionID types.SessionID) string {
	return filepath.Join(e.root, "sessions", string(sessionID), "events.jsonl")
}

func (e *EventLog) processedPath() string {
	return filepath.Join(e.root, "processed.log")
}

// readAll loads every entry of a session. Caller must hold the session lock.
func (e *EventLog) readAll(sessionID types.SessionID) ([]*types.LogEntry, error) {
	f, err := os.Open(e.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var entries []*types.LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry types.LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}
	return entries, nil
}

// loadIndex builds the session index on first use. Caller must hold the
// session lock.
func (e *EventLog) loadIndex(sessionID types.SessionID) (*sessionIndex, error) {
	e.mu.Lock()
	idx, ok := e.index[sessionID]
	e.mu.Unlock()
	if ok {
		return idx, nil
	}

	entries, err := e.readAll(sessionID)
	if err != nil {
		return nil, err
	}
	idx = &sessionIndex{max: -1, ids: make(map[types.EventID]bool), seqs: make(map[int64]bool)}
	for _, entry := range entries {
		idx.ids[entry.ID] = true
		idx.seqs[entry.SequenceNumber] = true
		if entry.SequenceNumber > idx.max {
			idx.max = entry.SequenceNumber
		}
	}

	e.mu.Lock()
	e.index[sessionID] = idx
	e.mu.Unlock()
	return idx, nil
}

// Append writes one entry with the caller-reserved sequence number. It
// rejects a reused event id or sequence number.
func (e *EventLog) Append(_ context.Context, req *types.AppendRequest) (*types.AppendResult, error) {
	if req.Sequence == nil {
		return nil, errNoSequence
	}

	lock := e.getLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	idx, err := e.loadIndex(req.SessionID)
	if err != nil {
		return nil, err
	}
	seq := *req.Sequence
	if idx.ids[req.EventID] {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, req.EventID)
	}
	if idx.seqs[seq] {
		return nil, fmt.Errorf("%w: session %s already has %d", ErrSequenceConflict, req.SessionID, seq)
	}

	// Ensure the session directory exists
	dir := filepath.Dir(e.eventsPath(req.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	entry := &types.LogEntry{
		ID:             req.EventID,
		SessionID:      req.SessionID,
		EventType:      req.EventType,
		SequenceNumber: seq,
		Timestamp:      ts,
		Data:           req.Data,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}

	f, err := os.OpenFile(e.eventsPath(req.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("write entry: %w", err)
	}

	idx.ids[entry.ID] = true
	idx.seqs[seq] = true
	if seq > idx.max {
		idx.max = seq
	}

	return &types.AppendResult{ID: entry.ID, SequenceNumber: &seq, Timestamp: ts}, nil
}

// Read returns entries with a sequence above afterSeq in sequence order.
// A limit of zero or less returns all of them.
func (e *EventLog) Read(_ context.Context, sessionID types.SessionID, afterSeq int64, limit int) ([]*types.LogEntry, error) {
	lock := e.getLock(sessionID)
	lock.Lock()
	entries, err := e.readAll(sessionID)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	var out []*types.LogEntry
	for _, entry := range entries {
		if entry.SequenceNumber > afterSeq {
			out = append(out, entry)
		}
	}
	if err := e.markFlags(out); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MaxSequence returns the highest committed sequence, or -1 if none.
func (e *EventLog) MaxSequence(_ context.Context, sessionID types.SessionID) (int64, error) {
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	idx, err := e.loadIndex(sessionID)
	if err != nil {
		return 0, err
	}
	return idx.max, nil
}

// Count returns the number of entries for the given session.
func (e *EventLog) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	idx, err := e.loadIndex(sessionID)
	if err != nil {
		return 0, err
	}
	return int64(len(idx.ids)), nil
}

// loadProcessedLocked reads processed.log on first use. procMu must be held.
func (e *EventLog) loadProcessedLocked() error {
	if e.processed != nil {
		return nil
	}

	set := make(map[types.EventID]bool)
	f, err := os.Open(e.processedPath())
	if err != nil {
		if os.IsNotExist(err) {
			e.processed = set
			return nil
		}
		return fmt.Errorf("open processed file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			set[types.EventID(line)] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan processed file: %w", err)
	}
	e.processed = set
	return nil
}

// markFlags sets Processed on each entry under a single procMu hold.
func (e *EventLog) markFlags(entries []*types.LogEntry) error {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	if err := e.loadProcessedLocked(); err != nil {
		return err
	}
	for _, entry := range entries {
		entry.Processed = e.processed[entry.ID]
	}
	return nil
}

// MarkProcessed flags an entry as materialized. Marking twice is a no-op.
func (e *EventLog) MarkProcessed(_ context.Context, id types.EventID) error {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	if err := e.loadProcessedLocked(); err != nil {
		return err
	}
	if e.processed[id] {
		return nil
	}

	if err := os.MkdirAll(e.root, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	f, err := os.OpenFile(e.processedPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open processed file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(string(id) + "\n"); err != nil {
		return fmt.Errorf("write processed: %w", err)
	}
	e.processed[id] = true
	return nil
}

// Unprocessed returns up to limit entries across all sessions that have
// not been materialized, in sequence order within each session.
func (e *EventLog) Unprocessed(ctx context.Context, limit int) ([]*types.LogEntry, error) {
	dirs, err := os.ReadDir(filepath.Join(e.root, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var out []*types.LogEntry
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		entries, err := e.Read(ctx, types.SessionID(d.Name()), -1, 0)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !entry.Processed {
				out = append(out, entry)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Purge removes the session's log file and cached index.
func (e *EventLog) Purge(_ context.Context, sessionID types.SessionID) error {
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(e.eventsPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove events file: %w", err)
	}
	e.mu.Lock()
	delete(e.index, sessionID)
	e.mu.Unlock()
	return nil
}
