package stream

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestRegistryRejectsDuplicateConnection(t *testing.T) {
	registry := NewRegistry(newScriptedVerifier(), zap.NewNop())
	sink := SinkFunc(func(Result) {})

	_, dispose, err := registry.Open(context.Background(), "conn", sink)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	defer dispose()

	if _, _, err := registry.Open(context.Background(), "conn", sink); !errors.Is(err, ErrDuplicateConnection) {
		t.Fatalf("expected ErrDuplicateConnection, got %v", err)
	}
}

func TestRegistryDisposeIsIdempotent(t *testing.T) {
	registry := NewRegistry(newScriptedVerifier(), zap.NewNop())

	_, dispose, err := registry.Open(context.Background(), "conn", SinkFunc(func(Result) {}))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	dispose()
	dispose()

	if _, ok := registry.Get("conn"); ok {
		t.Fatal("expected session to be removed")
	}
	if stats := registry.Stats(); stats.SessionsOpened != 1 || stats.SessionsClosed != 1 || stats.SessionsActive != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// The id is free again once disposed.
	_, again, err := registry.Open(context.Background(), "conn", SinkFunc(func(Result) {}))
	if err != nil {
		t.Fatalf("expected reopen to succeed, got %v", err)
	}
	again()
}

func TestRegistryCloseAll(t *testing.T) {
	registry := NewRegistry(newScriptedVerifier(), zap.NewNop())
	var disposers []func()
	for _, id := range []string{"a", "b", "c"} {
		session, dispose, err := registry.Open(context.Background(), id, SinkFunc(func(Result) {}))
		if err != nil {
			t.Fatalf("open %s failed: %v", id, err)
		}
		if _, err := session.SubmitFrame(frame(1)); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
		disposers = append(disposers, dispose)
	}

	registry.CloseAll()
	if registry.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", registry.Len())
	}
	for _, dispose := range disposers {
		dispose()
	}
	if stats := registry.Stats(); stats.SessionsClosed != 3 {
		t.Fatalf("expected 3 closed sessions, got %d", stats.SessionsClosed)
	}
}
