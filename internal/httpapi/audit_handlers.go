package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"qazna.org/authd/internal/auth"
)

const streamHeartbeat = 15 * time.Second

type auditView struct {
	ID           int64          `json:"id,omitempty"`
	ActorID      *int64         `json:"actor_id,omitempty"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Success      bool           `json:"success"`
	CreatedAt    time.Time      `json:"created_at"`
}

func viewAudit(e auth.AuditEntry) auditView {
	return auditView{
		ID:           e.ID,
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Details:      e.Details,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		Success:      e.Success,
		CreatedAt:    e.CreatedAt,
	}
}

func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if a.deps.Audit == nil {
		writeKind(w, r, auth.KindNotFound, "audit log unavailable", nil)
		return
	}
	q := r.URL.Query()
	filter := auth.AuditFilter{Action: strings.TrimSpace(q.Get("action"))}

	limit, err := intParam(r, "limit", 100)
	if err != nil {
		writeError(w, r, err)
		return
	}
	filter.Limit = limit

	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, validationError("since must be an RFC3339 timestamp", map[string]any{"field": "since"}))
			return
		}
		filter.Since = &since
	}
	if publicID := strings.TrimSpace(q.Get("user")); publicID != "" {
		user, err := a.deps.Engine.UserByPublicID(r.Context(), publicID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		filter.ActorID = &user.ID
	}

	entries, err := a.deps.Audit.List(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, viewAudit(e))
	}
	writeData(w, http.StatusOK, views, "")
}

// handleAuditStream serves audit entries as Server-Sent Events.
func (a *API) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	if a.deps.Audit == nil {
		writeKind(w, r, auth.KindNotFound, "audit stream unavailable", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeKind(w, r, auth.KindInternal, "streaming unsupported", nil)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch, ok := a.deps.Audit.Subscribe(ctx)
	if !ok {
		writeKind(w, r, auth.KindNotFound, "audit stream disabled", nil)
		return
	}

	// Long-lived response; lift the server write deadline.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case entry, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(viewAudit(entry))
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("event: audit\ndata: "))
			_, _ = w.Write(payload)
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
