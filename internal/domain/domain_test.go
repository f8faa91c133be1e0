package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNewUser(t *testing.T) {
	u, err := NewUser("alice", "")
	if err != nil {
		t.Fatalf("NewUser: %v", err)
	}
	if u.Name != "alice" {
		t.Errorf("name = %q, want id fallback", u.Name)
	}
	if _, err := NewUser("", "x"); !errors.Is(err, ErrUserIDEmpty) {
		t.Errorf("expected ErrUserIDEmpty, got %v", err)
	}
	if _, err := NewUser(strings.Repeat("a", MaxUserIDLen+1), ""); !errors.Is(err, ErrUserIDTooLong) {
		t.Errorf("expected ErrUserIDTooLong, got %v", err)
	}
	if _, err := NewUser("a", strings.Repeat("n", MaxUsernameLen+1)); !errors.Is(err, ErrUsernameTooLong) {
		t.Errorf("expected ErrUsernameTooLong, got %v", err)
	}
}

func TestCallDataPeerOf(t *testing.T) {
	d := CallData{CallerID: "a", ReceiverID: "b"}
	if d.PeerOf("a") != "b" || d.PeerOf("b") != "a" {
		t.Fatalf("PeerOf mismatch: %q %q", d.PeerOf("a"), d.PeerOf("b"))
	}
	if !d.Outgoing("a") || d.Outgoing("b") {
		t.Fatal("Outgoing mismatch")
	}
}
