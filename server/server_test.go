package server

import (
	"testing"

	"github.com/pablo-camprubi/mcpmeta/providers/mock"
	"github.com/pablo-camprubi/mcpmeta/storage/memory"
)

func TestNewRequiresDependencies(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)
	provider := mock.NewMockProvider()

	if _, err := New(nil, store, store, nil, nil); err == nil {
		t.Error("New() with nil provider succeeded")
	}
	if _, err := New(provider, nil, store, nil, nil); err == nil {
		t.Error("New() with nil session store succeeded")
	}
	if _, err := New(provider, store, nil, nil, nil); err == nil {
		t.Error("New() with nil token store succeeded")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := New(mock.NewMockProvider(), store, store, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.Config.SessionTTL != 600 {
		t.Errorf("SessionTTL = %d, want 600", srv.Config.SessionTTL)
	}
	if srv.Provider() == nil {
		t.Error("Provider() returned nil")
	}
}

func TestSafeTruncate(t *testing.T) {
	if got := safeTruncate("abcdefghij", 8); got != "abcdefgh" {
		t.Errorf("safeTruncate() = %q, want %q", got, "abcdefgh")
	}
	if got := safeTruncate("abc", 8); got != "abc" {
		t.Errorf("safeTruncate() = %q, want %q", got, "abc")
	}
}

func TestGenerateRandomToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token := generateRandomToken()
		if len(token) < 32 {
			t.Fatalf("token %q is too short", token)
		}
		if seen[token] {
			t.Fatalf("duplicate token generated: %q", token)
		}
		seen[token] = true
	}
}
