// internal/state/session_test.go
package state

import (
	"context"
	"errors"
	"testing"

	"github.com/user/turnlog/internal/types"
)

func TestSessionStore(t *testing.T) {
	dir := t.TempDir()
	store := NewSessionStore(dir)
	ctx := context.Background()

	key := types.NewSessionKey("test", "123")
	id, err := store.ResolveOrCreate(ctx, key, "default")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("expected non-empty session ID")
	}

	session, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if session.SessionKey != key {
		t.Errorf("expected key %s, got %s", key, session.SessionKey)
	}

	id2, err := store.ResolveOrCreate(ctx, key, "default")
	if err != nil {
		t.Fatal(err)
	}
	if id != id2 {
		t.Error("expected same session ID for same key")
	}
}

func TestSessionStore_LookupAndDelete(t *testing.T) {
	store := NewSessionStore(t.TempDir())
	ctx := context.Background()

	key := types.NewSessionKey("api", "alice")
	if _, err := store.Lookup(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before create, got %v", err)
	}

	id, err := store.ResolveOrCreate(ctx, key, "default")
	if err != nil {
		t.Fatal(err)
	}
	sess, err := store.Lookup(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if sess.SessionID != id {
		t.Errorf("Lookup returned %s, want %s", sess.SessionID, id)
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestSessionStore_UpdateAndList(t *testing.T) {
	store := NewSessionStore(t.TempDir())
	ctx := context.Background()

	first, _ := store.ResolveOrCreate(ctx, types.NewSessionKey("a"), "default")
	second, _ := store.ResolveOrCreate(ctx, types.NewSessionKey("b"), "default")

	sess, err := store.Get(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	sess.LastEventSeq = 7
	if err := store.Update(ctx, sess); err != nil {
		t.Fatal(err)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	if list[0].SessionID != first {
		t.Errorf("expected most recently updated session %s first, got %s (other %s)", first, list[0].SessionID, second)
	}
	if list[0].LastEventSeq != 7 {
		t.Errorf("LastEventSeq = %d, want 7", list[0].LastEventSeq)
	}

	missing := &types.SessionIndex{SessionKey: "nope"}
	if err := store.Update(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating unknown key, got %v", err)
	}
}

func TestSessionStore_Archive(t *testing.T) {
	store := NewSessionStore(t.TempDir())
	ctx := context.Background()
	key := types.NewSessionKey("telegram", "1", "2")

	first, err := store.ResolveOrCreate(ctx, key, "default")
	if err != nil {
		t.Fatal(err)
	}
	archived, err := store.Archive(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if archived.SessionID != first || archived.Status != "archived" {
		t.Errorf("archived = %+v", archived)
	}

	second, err := store.ResolveOrCreate(ctx, key, "default")
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("expected a fresh session after archive")
	}
	if got, err := store.Get(ctx, first); err != nil || got.Status != "archived" {
		t.Errorf("archived session lookup = %+v, %v", got, err)
	}

	if _, err := store.Archive(ctx, types.NewSessionKey("missing")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
