// internal/types/ids_test.go
package types

import (
	"strings"
	"testing"
)

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	if id == "" {
		t.Error("expected non-empty SessionID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestNewEventIDTimeOrdered(t *testing.T) {
	a := NewEventID()
	b := NewEventID()
	if a == b {
		t.Fatal("expected distinct event ids")
	}
	if len(string(a)) != 36 {
		t.Errorf("expected UUID format, got %s", a)
	}
	// v7 ids carry the version nibble at position 14
	if string(a)[14] != '7' {
		t.Errorf("expected v7 uuid, got %s", a)
	}
}

func TestNewMessageID(t *testing.T) {
	id := NewMessageID()
	if !strings.HasPrefix(id, "msg_") {
		t.Errorf("expected msg_ prefix, got %s", id)
	}
	if strings.Contains(id, "-") {
		t.Errorf("expected no dashes, got %s", id)
	}
}

func TestSessionKeyFormat(t *testing.T) {
	key := NewSessionKey("telegram", "123", "456")
	expected := SessionKey("telegram:123:456")
	if key != expected {
		t.Errorf("expected %s, got %s", expected, key)
	}
}
