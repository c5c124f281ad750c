package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"qazna.org/authd/internal/auth"
	"qazna.org/authd/internal/stream"
)

type stubStore struct {
	insertFn func(ctx context.Context, e *auth.AuditEntry) error
	listFn   func(ctx context.Context, f auth.AuditFilter) ([]auth.AuditEntry, error)
}

func (s *stubStore) InsertAuditEntry(ctx context.Context, e *auth.AuditEntry) error {
	return s.insertFn(ctx, e)
}

func (s *stubStore) ListAuditEntries(ctx context.Context, f auth.AuditFilter) ([]auth.AuditEntry, error) {
	return s.listFn(ctx, f)
}

func TestSinkRecord(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var stored *auth.AuditEntry
	var hadDeadline bool
	store := &stubStore{insertFn: func(ctx context.Context, e *auth.AuditEntry) error {
		_, hadDeadline = ctx.Deadline()
		if ctx.Err() != nil {
			t.Fatalf("write context already done: %v", ctx.Err())
		}
		copied := *e
		stored = &copied
		return nil
	}}
	hub := stream.New[auth.AuditEntry](4)
	subCtx, stop := context.WithCancel(context.Background())
	defer stop()
	feed := hub.Subscribe(subCtx)

	sink := NewSink(store, WithHub(hub), WithLogger(zap.New(core)))

	ctx, cancel := context.WithCancel(WithRequestID(context.Background(), "req-123"))
	cancel()
	actor := int64(42)
	sink.Record(ctx, auth.AuditEntry{
		ActorID: &actor,
		Action:  "auth.login.success",
		Details: map[string]any{"email": "alice@example.com"},
		Success: true,
	})

	if stored == nil {
		t.Fatal("entry not stored")
	}
	if !hadDeadline {
		t.Fatal("write must carry a timeout")
	}
	if stored.Details["request_id"] != "req-123" || stored.Details["email"] != "alice@example.com" {
		t.Fatalf("details = %v", stored.Details)
	}
	if stored.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}

	entries := logs.FilterMessage("audit").All()
	if len(entries) != 1 {
		t.Fatalf("log lines = %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["event"] != "auth.login.success" || fields["actor_id"] != int64(42) {
		t.Fatalf("log fields = %v", fields)
	}

	select {
	case got := <-feed:
		if got.Action != "auth.login.success" {
			t.Fatalf("published %q", got.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("entry not published")
	}
}

func TestSinkSwallowsWriteFailures(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	store := &stubStore{insertFn: func(context.Context, *auth.AuditEntry) error {
		return errors.New("db down")
	}}
	sink := NewSink(store, WithLogger(zap.New(core)))
	sink.Record(context.Background(), auth.AuditEntry{Action: "auth.logout"})

	if logs.FilterMessage("audit write failed").Len() != 1 {
		t.Fatalf("write failure not logged: %v", logs.All())
	}
	if logs.FilterMessage("audit").Len() != 1 {
		t.Fatal("entry must still be logged")
	}
}

func TestSinkWithoutStore(t *testing.T) {
	sink := NewSink(nil)
	sink.Record(context.Background(), auth.AuditEntry{Action: "auth.register"})
	if _, err := sink.List(context.Background(), auth.AuditFilter{}); err == nil {
		t.Fatal("expected error without store")
	}
	if _, ok := sink.Subscribe(context.Background()); ok {
		t.Fatal("subscribe without hub must report unavailable")
	}
}

func TestSinkListClampsLimit(t *testing.T) {
	var got auth.AuditFilter
	store := &stubStore{listFn: func(_ context.Context, f auth.AuditFilter) ([]auth.AuditEntry, error) {
		got = f
		return nil, nil
	}}
	sink := NewSink(store)
	if _, err := sink.List(context.Background(), auth.AuditFilter{Limit: 10_000}); err != nil {
		t.Fatalf("List: %v", err)
	}
	if got.Limit != 100 {
		t.Fatalf("limit = %d", got.Limit)
	}
}

func TestWithRequestID(t *testing.T) {
	if RequestIDFromContext(WithRequestID(context.Background(), "  ")) != "" {
		t.Fatal("blank ids must be ignored")
	}
	if RequestIDFromContext(WithRequestID(context.Background(), "r-1")) != "r-1" {
		t.Fatal("request id lost")
	}
}
