package proxy

import (
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/turpault/proxy/internal/config"
	"github.com/turpault/proxy/internal/errors"
	"github.com/turpault/proxy/internal/router"
)

// Forwarder serves forward routes: the target comes from a query parameter
// and is validated against the route's allow list before any connection is
// made.
type Forwarder struct {
	engine *Engine
	// lookupIP and checkIP are swappable in tests.
	lookupIP func(host string) ([]net.IP, error)
	checkIP  func(ip net.IP) error
}

// NewForwarder creates a Forwarder backed by the shared Engine.
func NewForwarder(engine *Engine) *Forwarder {
	return &Forwarder{engine: engine, lookupIP: net.LookupIP, checkIP: checkIP}
}

// Serve extracts, validates, and proxies the forward target. Returns the
// response status and body bytes for recording.
func (f *Forwarder) Serve(w http.ResponseWriter, r *http.Request, route *router.Route) (int, int64) {
	param := route.Forward.ParamName
	if param == "" {
		param = config.DefaultForwardParam
	}

	raw := r.URL.Query().Get(param)
	if raw == "" {
		errors.ErrBadRequest.WithDetails(fmt.Sprintf("missing target parameter %q", param)).WriteJSON(w)
		return http.StatusBadRequest, 0
	}

	target, err := url.Parse(raw)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		errors.ErrBadRequest.WithDetails("malformed target URL").WriteJSON(w)
		return http.StatusBadRequest, 0
	}

	if route.Forward.HTTPSOnlyEnabled() && target.Scheme != "https" {
		errors.ErrForbidden.WithDetails("only https targets are allowed").WriteJSON(w)
		return http.StatusForbidden, 0
	}

	host := strings.ToLower(target.Hostname())
	if !domainAllowed(host, route.Forward.AllowedDomains) {
		errors.ErrForbidden.WithDetails("target domain is not allowed").WriteJSON(w)
		return http.StatusForbidden, 0
	}

	if err := f.rejectInternalTargets(host); err != nil {
		errors.ErrForbidden.WithDetails(err.Error()).WriteJSON(w)
		return http.StatusForbidden, 0
	}

	// The target URL carries the full upstream path; strip the route's own
	// path from the inbound request so joining does not duplicate it.
	outReq := r.Clone(r.Context())
	outReq.URL.Path = ""
	outReq.URL.RawQuery = ""
	return f.engine.ServeTarget(w, outReq, target, route.Name)
}

// domainAllowed matches exactly or on a dot-suffix: "example.com" admits
// "example.com" and "api.example.com", never "notexample.com".
func domainAllowed(host string, allowed []string) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, d := range allowed {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// rejectInternalTargets resolves the host and refuses private, loopback, and
// link-local addresses so the forward proxy cannot reach internal services.
func (f *Forwarder) rejectInternalTargets(host string) error {
	if ip := net.ParseIP(host); ip != nil {
		return f.checkIP(ip)
	}

	ips, err := f.lookupIP(host)
	if err != nil {
		return errResolve
	}
	for _, ip := range ips {
		if err := f.checkIP(ip); err != nil {
			return err
		}
	}
	return nil
}

var (
	errResolve  = stderrors.New("target host did not resolve")
	errInternal = stderrors.New("target resolves to an internal address")
)

func checkIP(ip net.IP) error {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return errInternal
	}
	return nil
}
