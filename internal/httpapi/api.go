package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"qazna.org/authd/internal/auth"
	"qazna.org/authd/internal/obs"
)

// Engine is the session engine surface used by the handlers.
type Engine interface {
	Register(ctx context.Context, in auth.RegisterInput, meta auth.ClientMetadata) (auth.User, error)
	Login(ctx context.Context, email, password string, meta auth.ClientMetadata) (auth.AuthResult, error)
	Refresh(ctx context.Context, token string, meta auth.ClientMetadata) (auth.AuthResult, error)
	Logout(ctx context.Context, sessionID string, meta auth.ClientMetadata) error
	LogoutAll(ctx context.Context, userID int64, meta auth.ClientMetadata) (int, error)
	ChangePassword(ctx context.Context, userID int64, current, next string, meta auth.ClientMetadata) error
	AssignRole(ctx context.Context, userID int64, roleName string, assignedBy *int64, expiresAt *time.Time, meta auth.ClientMetadata) (auth.RoleAssignment, error)
	Profile(ctx context.Context, userID int64) (auth.Profile, error)
	UserByPublicID(ctx context.Context, publicID string) (auth.User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]auth.UserView, error)
	ListRoles(ctx context.Context) ([]auth.Role, error)
	ListSessions(ctx context.Context, userID int64) ([]auth.SessionView, error)
}

// KeySet publishes verification keys.
type KeySet interface {
	JWKS(ctx context.Context) (auth.JWKS, error)
}

// AuditLog reads the audit trail.
type AuditLog interface {
	List(ctx context.Context, f auth.AuditFilter) ([]auth.AuditEntry, error)
	Subscribe(ctx context.Context) (<-chan auth.AuditEntry, bool)
}

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks named dependencies; nil entries are skipped.
type ReadyProbe map[string]Pinger

// Check pings every dependency and reports per-component status.
func (rp ReadyProbe) Check(ctx context.Context) (map[string]string, bool) {
	status := make(map[string]string, len(rp))
	ready := true
	for name, p := range rp {
		if p == nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.Ping(pctx)
		cancel()
		if err != nil {
			status[name] = err.Error()
			ready = false
			continue
		}
		status[name] = "ok"
	}
	return status, ready
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Engine Engine
	Tokens TokenVerifier
	Keys   KeySet
	Audit  AuditLog
	Ready  ReadyProbe
}

// Options tune the HTTP layer.
type Options struct {
	Version     string
	CORSOrigins []string
	// RateLimiter throttles credential endpoints; nil disables throttling.
	RateLimiter *RateLimiter
	// RequestTimeout bounds every request except the audit stream. Zero disables it.
	RequestTimeout time.Duration
	// TrustedProxies may set X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

const auditStreamPath = "/v1/audit/stream"

// API is the HTTP layer.
type API struct {
	mux   *http.ServeMux
	deps  Deps
	guard *Guard
	opts  Options
}

// New wires routes.
func New(deps Deps, opts Options) (*API, error) {
	if deps.Engine == nil || deps.Tokens == nil {
		return nil, errors.New("httpapi: engine and token verifier are required")
	}
	a := &API{
		mux:   http.NewServeMux(),
		deps:  deps,
		guard: NewGuard(deps.Tokens),
		opts:  opts,
	}
	a.routes()
	return a, nil
}

func (a *API) routes() {
	g := a.guard
	authed := func(h http.HandlerFunc, mws ...func(http.Handler) http.Handler) http.Handler {
		return chain(h, append([]func(http.Handler) http.Handler{g.Authenticate}, mws...)...)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())
	a.mux.HandleFunc("GET /.well-known/jwks.json", a.handleJWKS)

	// credentials
	a.mux.Handle("POST /v1/auth/register", a.limited(g.OptionalAuth(http.HandlerFunc(a.handleRegister))))
	a.mux.Handle("POST /v1/auth/login", a.limited(http.HandlerFunc(a.handleLogin)))
	a.mux.Handle("POST /v1/auth/refresh", a.limited(http.HandlerFunc(a.handleRefresh)))
	a.mux.Handle("POST /v1/auth/logout", authed(a.handleLogout))
	a.mux.Handle("POST /v1/auth/logout-all", authed(a.handleLogoutAll))
	a.mux.Handle("GET /v1/auth/me", authed(a.handleMe))
	a.mux.Handle("POST /v1/auth/change-password", a.limited(authed(a.handleChangePassword)))

	// users and roles
	a.mux.Handle("GET /v1/users", authed(a.handleListUsers, g.RequirePermission(auth.PermUsersRead)))
	a.mux.Handle("GET /v1/users/{id}", authed(a.handleGetUser, g.RequireOwnership("id", SourcePath, auth.RoleAdmin)))
	a.mux.Handle("GET /v1/users/{id}/sessions", authed(a.handleUserSessions, g.RequireOwnership("id", SourcePath, auth.RoleAdmin)))
	a.mux.Handle("POST /v1/users/{id}/roles", authed(a.handleAssignRole, g.RequirePermission(auth.PermRolesAssign)))
	a.mux.Handle("GET /v1/roles", authed(a.handleListRoles))

	// audit
	a.mux.Handle("GET /v1/audit", authed(a.handleAuditList, g.RequirePermission(auth.PermAuditRead)))
	a.mux.Handle("GET "+auditStreamPath, authed(a.handleAuditStream, g.RequirePermission(auth.PermAuditRead)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeKind(w, r, auth.KindNotFound, "resource not found", nil)
	})
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	return obs.Instrument(chain(a.mux,
		RequestID,
		RealIP(a.opts.TrustedProxies),
		LoggingJSON,
		SecurityHeaders,
		CORS(a.opts.CORSOrigins),
		Timeout(a.opts.RequestTimeout, auditStreamPath),
	))
}

// chain applies mws so the first one is outermost.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func (a *API) limited(h http.Handler) http.Handler {
	if a.opts.RateLimiter == nil {
		return h
	}
	return a.opts.RateLimiter.Middleware(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "authd",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	checks, ok := a.deps.Ready.Check(r.Context())
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"checks": checks,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"checks": checks,
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "authd",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}

func (a *API) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if a.deps.Keys == nil {
		writeKind(w, r, auth.KindNotFound, "key set unavailable", nil)
		return
	}
	set, err := a.deps.Keys.JWKS(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, set)
}
