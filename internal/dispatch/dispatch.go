// Package dispatch routes each request through the full decision chain:
// resolve, geo filter, rate limit, auth gate, rewrite, dispatch, record.
package dispatch

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/turpault/proxy/internal/auth"
	"github.com/turpault/proxy/internal/config"
	"github.com/turpault/proxy/internal/errors"
	"github.com/turpault/proxy/internal/geo"
	"github.com/turpault/proxy/internal/logging"
	"github.com/turpault/proxy/internal/proxy"
	"github.com/turpault/proxy/internal/ratelimit"
	"github.com/turpault/proxy/internal/realip"
	"github.com/turpault/proxy/internal/router"
	"github.com/turpault/proxy/internal/session"
	"github.com/turpault/proxy/internal/static"
	"github.com/turpault/proxy/internal/stats"
)

const (
	sessionCookie   = "proxy_session"
	acmePathPrefix  = "/.well-known/acme-challenge/"
	defaultRedirect = http.StatusMovedPermanently
)

// Dispatcher serves requests against the current configuration snapshot.
// Rebuild swaps the compiled plan atomically, so in-flight requests keep the
// plan they started with.
type Dispatcher struct {
	plan      atomic.Pointer[plan]
	limiter   *ratelimit.Limiter
	engine    *proxy.Engine
	forwarder *proxy.Forwarder
	recorder  *stats.Recorder
	sessions  *session.Store
	challenge http.Handler
}

// plan is everything compiled from one snapshot.
type plan struct {
	resolver *router.Resolver
	geo      map[string]*geo.Filter
	auth     map[string]*auth.Authenticator
	static   map[string]*static.Handler
	provider geo.Provider
}

// New creates a Dispatcher. challenge serves ACME HTTP-01 tokens and may be
// nil when TLS is disabled.
func New(engine *proxy.Engine, recorder *stats.Recorder, sessions *session.Store, challenge http.Handler) *Dispatcher {
	return &Dispatcher{
		limiter:   ratelimit.New(),
		engine:    engine,
		forwarder: proxy.NewForwarder(engine),
		recorder:  recorder,
		sessions:  sessions,
		challenge: challenge,
	}
}

// Close releases the limiter and the current plan's geo provider.
func (d *Dispatcher) Close() {
	d.limiter.Stop()
	if p := d.plan.Load(); p != nil && p.provider != nil {
		p.provider.Close()
	}
}

// Rebuild compiles a new plan from the snapshot and swaps it in. On error
// the previous plan stays active.
func (d *Dispatcher) Rebuild(snap *config.Snapshot) error {
	resolver, err := router.NewResolver(snap.Proxy)
	if err != nil {
		return fmt.Errorf("compiling routes: %w", err)
	}

	p := &plan{
		resolver: resolver,
		geo:      make(map[string]*geo.Filter),
		auth:     make(map[string]*auth.Authenticator),
		static:   make(map[string]*static.Handler),
	}

	if db := snap.Proxy.Security.GeoDatabase; db != "" {
		provider, err := geo.NewProvider(db)
		if err != nil {
			logging.Warn("geo database unavailable, geo filters fall back to unknown",
				zap.String("path", db),
				zap.Error(err),
			)
		} else {
			p.provider = geo.NewCachingProvider(provider)
		}
	}

	for _, route := range resolver.Routes() {
		if route.Geo != nil {
			p.geo[route.Name] = geo.NewFilter(route.Name, route.Geo, p.provider)
		}
		if route.OAuth2 != nil {
			a, err := auth.New(route.Name, route.OAuth2)
			if err != nil {
				return err
			}
			p.auth[route.Name] = a
		}
		if route.Type == config.RouteStatic {
			h, err := static.New(route.StaticPath, route.SPAFallback)
			if err != nil {
				return fmt.Errorf("route %s: %w", route.Name, err)
			}
			p.static[route.Name] = h
		}
	}

	old := d.plan.Swap(p)
	if old != nil && old.provider != nil && old.provider != p.provider {
		old.provider.Close()
	}
	return nil
}

// Resolver exposes the active route set, for certificate loading.
func (d *Dispatcher) Resolver() *router.Resolver {
	if p := d.plan.Load(); p != nil {
		return p.resolver
	}
	return nil
}

// ServeHTTP runs the dispatch state machine.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := stats.NewRequestID()
	clientIP := realip.FromRequest(r)
	w.Header().Set("X-Request-Id", requestID)

	// The challenge route outranks everything, or certificate issuance
	// could be blocked by the very route map it secures.
	if d.challenge != nil && strings.HasPrefix(r.URL.Path, acmePathPrefix) {
		d.challenge.ServeHTTP(w, r)
		return
	}

	p := d.plan.Load()
	if p == nil {
		errors.ErrInternalServer.WithRequestID(requestID).WriteJSON(w)
		return
	}

	route := p.resolver.Resolve(r.Host, r.URL.Path)
	if route == nil {
		errors.ErrNotFound.WithRequestID(requestID).WriteJSON(w)
		d.recorder.Unmatched(requestID, clientIP, r.Method, r.URL.Path, time.Since(start).Milliseconds())
		return
	}

	record := stats.Record{
		RequestID: requestID,
		ClientIP:  clientIP,
		Method:    r.Method,
		Path:      r.URL.Path,
		Route:     route.Name,
		Kind:      string(route.Type),
	}
	defer func() {
		record.DurationMs = time.Since(start).Milliseconds()
		d.recorder.Observe(record)
	}()

	// Geo filter.
	if filter := p.geo[route.Name]; filter != nil {
		decision := filter.Evaluate(clientIP)
		if decision.Location != nil {
			record.Country = decision.Location.CountryCode
		}
		if !decision.Allowed {
			record.Status = d.writeGeoDenial(w, r, decision)
			return
		}
	}

	// Rate limit.
	if route.RateLimit.MaxRequests > 0 {
		key := route.Name + "|" + clientIP
		allowed, _, retryAfter := d.limiter.Allow(key, route.RateLimit.Window(), route.RateLimit.MaxRequests)
		if !allowed {
			seconds := int(retryAfter.Seconds() + 1)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			errors.ErrTooManyRequests.WithRequestID(requestID).WriteJSON(w)
			record.Status = http.StatusTooManyRequests
			return
		}
	}

	// Auth gate.
	if a := p.auth[route.Name]; a != nil {
		if r.URL.Path == a.CallbackPath() {
			record.Status = d.handleCallback(w, r, route, a)
			return
		}
		if route.RequireAuth && !route.IsPublicPath(r.URL.Path) {
			sess, status := d.checkSession(w, r, route, a)
			if sess == nil {
				record.Status = status
				return
			}
			r.Header.Set("X-Forwarded-User", sess.UserID)
		}
	}

	// CORS preflight short-circuits before dispatch.
	if route.CORS.IsPreflight(r) {
		if route.CORS.HandlePreflight(w, r) {
			record.Status = http.StatusNoContent
			return
		}
	}
	route.CORS.Apply(w, r)

	// Rewrite, then response header injection.
	r.URL.Path = route.RewritePath(r.URL.Path)
	if route.CSPHeader != "" {
		w.Header().Set("Content-Security-Policy", route.CSPHeader)
	}
	if route.Type != config.RouteProxy {
		// Proxy routes inject after upstream headers are copied.
		for k, v := range route.Headers {
			w.Header().Set(k, v)
		}
	}

	switch route.Type {
	case config.RouteProxy:
		record.Status, record.Bytes = d.engine.ServeRoute(w, r, route)
	case config.RouteStatic:
		sw := &statusWriter{ResponseWriter: w}
		p.static[route.Name].ServeHTTP(sw, r)
		record.Status, record.Bytes = sw.status(), sw.bytes
	case config.RouteRedirect:
		status := route.RedirectStatus
		if status == 0 {
			status = defaultRedirect
		}
		http.Redirect(w, r, route.RedirectTo, status)
		record.Status = status
	case config.RouteForward:
		record.Status, record.Bytes = d.forwarder.Serve(w, r, route)
	default:
		errors.ErrInternalServer.WithRequestID(requestID).WriteJSON(w)
		record.Status = http.StatusInternalServerError
	}
}

// writeGeoDenial answers a blocked request with the route's custom response.
func (d *Dispatcher) writeGeoDenial(w http.ResponseWriter, r *http.Request, decision geo.Decision) int {
	if decision.Redirect != "" {
		http.Redirect(w, r, decision.Redirect, http.StatusFound)
		return http.StatusFound
	}
	errors.New(decision.Status, decision.Message).WriteJSON(w)
	return decision.Status
}

// checkSession validates the session cookie. With no valid session, browsers
// are redirected into the OAuth2 flow and API clients get a 401.
func (d *Dispatcher) checkSession(w http.ResponseWriter, r *http.Request, route *router.Route, a *auth.Authenticator) (*session.Session, int) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		if sess, ok := d.sessions.Get(route.Domain, cookie.Value, a.SessionTimeout()); ok {
			return sess, 0
		}
	}

	if !strings.Contains(r.Header.Get("Accept"), "text/html") {
		errors.ErrUnauthorized.WriteJSON(w)
		return nil, http.StatusUnauthorized
	}

	redirect, err := a.BeginAuthorization(r.URL.RequestURI())
	if err != nil {
		logging.Error("starting oauth2 flow failed", zap.String("route", route.Name), zap.Error(err))
		errors.ErrInternalServer.WriteJSON(w)
		return nil, http.StatusInternalServerError
	}
	http.Redirect(w, r, redirect, http.StatusFound)
	return nil, http.StatusFound
}

// handleCallback completes the OAuth2 flow: exchange, session creation,
// cookie, and redirect back to the original path.
func (d *Dispatcher) handleCallback(w http.ResponseWriter, r *http.Request, route *router.Route, a *auth.Authenticator) int {
	user, returnPath, err := a.HandleCallback(r.Context(), r.URL.Query())
	if err != nil {
		logging.Warn("oauth2 callback rejected", zap.String("route", route.Name), zap.Error(err))
		errors.ErrUnauthorized.WithDetails(err.Error()).WriteJSON(w)
		return http.StatusUnauthorized
	}

	sess, err := d.sessions.Create(route.Domain, user.ID, user.Name, user.Email, a.Provider(), a.SessionTimeout())
	if err != nil {
		logging.Error("session create failed", zap.String("route", route.Name), zap.Error(err))
		errors.ErrInternalServer.WriteJSON(w)
		return http.StatusInternalServerError
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	if returnPath == "" || !strings.HasPrefix(returnPath, "/") {
		returnPath = "/"
	}
	http.Redirect(w, r, returnPath, http.StatusFound)
	return http.StatusFound
}

// statusWriter captures the status and byte count of handlers that do not
// report them.
type statusWriter struct {
	http.ResponseWriter
	code  int
	bytes int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}

// Flush keeps streaming responses working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
