package audit

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"go.uber.org/zap"

	"qazna.org/authd/internal/auth"
	"qazna.org/authd/internal/stream"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

const defaultWriteTimeout = 2 * time.Second

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Sink records audit entries in the database, the log and the live feed.
// Record never fails the caller.
type Sink struct {
	store   auth.AuditStore
	hub     *stream.Hub[auth.AuditEntry]
	logger  *zap.Logger
	timeout time.Duration
}

var _ auth.AuditSink = (*Sink)(nil)

// Option configures a Sink.
type Option func(*Sink)

// WithHub publishes every recorded entry to hub.
func WithHub(hub *stream.Hub[auth.AuditEntry]) Option {
	return func(s *Sink) { s.hub = hub }
}

// WithLogger attaches the logger used for audit lines and write failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWriteTimeout bounds each database write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewSink builds a Sink. store may be nil, in which case entries are only
// logged and published.
func NewSink(store auth.AuditStore, opts ...Option) *Sink {
	s := &Sink{store: store, logger: zap.NewNop(), timeout: defaultWriteTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record writes entry. The write is detached from ctx cancellation so an
// aborted request still leaves its trail.
func (s *Sink) Record(ctx context.Context, entry auth.AuditEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	details := make(map[string]any, len(entry.Details)+1)
	maps.Copy(details, entry.Details)
	if rid := RequestIDFromContext(ctx); rid != "" {
		details["request_id"] = rid
	}
	entry.Details = details

	if s.store != nil {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		err := s.store.InsertAuditEntry(wctx, &entry)
		cancel()
		if err != nil {
			s.logger.Error("audit write failed", zap.String("event", entry.Action), zap.Error(err))
		}
	}

	s.logger.Info("audit",
		zap.String("type", "audit"),
		zap.String("event", entry.Action),
		zap.Bool("success", entry.Success),
		zap.Int64p("actor_id", entry.ActorID),
		zap.String("resource_type", entry.ResourceType),
		zap.String("resource_id", entry.ResourceID),
		zap.String("ip", entry.IPAddress),
		zap.Any("fields", entry.Details),
	)

	if s.hub != nil {
		s.hub.Publish(entry)
	}
}

// List returns stored entries matching f, newest first.
func (s *Sink) List(ctx context.Context, f auth.AuditFilter) ([]auth.AuditEntry, error) {
	if s.store == nil {
		return nil, errors.New("audit store unavailable")
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return s.store.ListAuditEntries(ctx, f)
}

// Subscribe streams entries recorded after the call until ctx ends.
func (s *Sink) Subscribe(ctx context.Context) (<-chan auth.AuditEntry, bool) {
	if s.hub == nil {
		return nil, false
	}
	return s.hub.Subscribe(ctx), true
}
