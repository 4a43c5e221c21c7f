// Package state provides filesystem and PostgreSQL storage for sessions,
// the event log and the messages projection.
package state

import "github.com/user/turnlog/internal/types"

// Compile-time interface compliance checks.
var _ types.SessionStore = (*SessionStore)(nil)
var _ types.EventLog = (*EventLog)(nil)
var _ types.ProjectionStore = (*MessageStore)(nil)
var _ types.EventLog = (*PgEventLog)(nil)
var _ types.ProjectionStore = (*PgMessageStore)(nil)
