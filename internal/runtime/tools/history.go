package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/user/turnlog/internal/types"
)

const defaultHistoryResults = 5

// SearchHistory finds earlier messages of the calling session in the
// messages projection.
type SearchHistory struct {
	messages types.ProjectionStore
}

func NewSearchHistory(messages types.ProjectionStore) *SearchHistory {
	return &SearchHistory{messages: messages}
}

func (s *SearchHistory) Name() string { return "search_history" }
func (s *SearchHistory) Description() string {
	return "Search earlier messages in this conversation for a word or phrase"
}
func (s *SearchHistory) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "Case-insensitive text to look for"},
			"limit": {"type": "integer", "description": "Maximum matches to return (default 5)"}
		},
		"required": ["query"]
	}`)
}

func (s *SearchHistory) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	query := strings.ToLower(strings.TrimSpace(params.Query))
	if query == "" {
		return "", errors.New("query is required")
	}
	if params.Limit <= 0 {
		params.Limit = defaultHistoryResults
	}

	sessionID, ok := types.SessionIDFrom(ctx)
	if !ok {
		return "", errors.New("no session in context")
	}
	rows, err := s.messages.List(ctx, sessionID, 0)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}

	var b strings.Builder
	found := 0
	// Newest first.
	for i := len(rows) - 1; i >= 0 && found < params.Limit; i-- {
		row := rows[i]
		if row.MessageType == "reasoning" || !strings.Contains(strings.ToLower(row.Content), query) {
			continue
		}
		found++
		fmt.Fprintf(&b, "[#%d %s] %s\n", row.SequenceNumber, row.Role, excerpt(row.Content, query, 200))
	}
	if found == 0 {
		return fmt.Sprintf("No earlier messages mention %q.", params.Query), nil
	}
	return b.String(), nil
}

// excerpt returns up to width bytes of s around the first match of query.
func excerpt(s, query string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= width {
		return s
	}
	at := strings.Index(strings.ToLower(s), query)
	start := at - width/2
	if start < 0 {
		start = 0
	}
	end := start + width
	if end > len(s) {
		end = len(s)
		start = end - width
	}
	out := s[start:end]
	if start > 0 {
		out = "..." + out
	}
	if end < len(s) {
		out += "..."
	}
	return out
}
