package router

import (
	"regexp"
	"strings"
	"time"

	"github.com/turpault/proxy/internal/config"
	"github.com/turpault/proxy/internal/headers"
)

// Route is a compiled route entry with its effective dispatch plan: the
// selected target, merged headers, computed CSP value, and compiled rewrites.
type Route struct {
	Name       string
	Domain     string
	PathPrefix string // normalized; empty matches any path at lowest priority
	Type       config.RouteType

	Target         string
	StaticPath     string
	SPAFallback    bool
	RedirectTo     string
	RedirectStatus int

	Headers   map[string]string
	CSPHeader string
	CORS      *headers.CORS

	Geo         *config.GeoFilterConfig
	OAuth2      *config.OAuth2Config
	RequireAuth bool
	PublicPaths []string

	// RateLimit is the effective per-route limit (route override or the
	// global security default). WindowMs == 0 disables limiting.
	RateLimit config.RateLimitConfig

	Forward      config.ForwardConfig
	SSL          bool
	ProxyTimeout time.Duration

	rewrites []compiledRewrite
	replaces config.ReplaceRules
	idx      int
}

type compiledRewrite struct {
	re          *regexp.Regexp
	replacement string
}

// RewritePath applies the route's rewrite rules in order, then the literal
// replace rules, to the request path.
func (r *Route) RewritePath(path string) string {
	for _, rw := range r.rewrites {
		path = rw.re.ReplaceAllString(path, rw.replacement)
	}
	for _, rp := range r.replaces {
		path = strings.ReplaceAll(path, rp.From, rp.To)
	}
	return path
}

// IsPublicPath reports whether the path bypasses the auth gate.
func (r *Route) IsPublicPath(path string) bool {
	for _, p := range r.PublicPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// compileRoute builds a Route from its config entry.
func compileRoute(rc *config.RouteConfig, sec *config.SecurityConfig, idx int) (*Route, error) {
	route := &Route{
		Name:           rc.Name,
		Domain:         strings.ToLower(rc.Domain),
		PathPrefix:     normalizePrefix(rc.Path),
		Type:           rc.Type,
		Target:         rc.Target,
		StaticPath:     rc.StaticPath,
		SPAFallback:    rc.SPAFallback,
		RedirectTo:     rc.RedirectTo,
		RedirectStatus: rc.RedirectStatus,
		Headers:        rc.Headers,
		CORS:           headers.NewCORS(rc.CORS),
		Geo:            rc.Geolocation,
		OAuth2:         rc.OAuth2,
		RequireAuth:    rc.RequireAuth,
		PublicPaths:    rc.PublicPaths,
		Forward:        rc.Forward,
		SSL:            rc.SSL,
		replaces:       rc.Replace,
		idx:            idx,
	}

	if route.Geo == nil {
		route.Geo = sec.GeolocationFilter
	}

	if rc.ProxyTimeout > 0 {
		route.ProxyTimeout = time.Duration(rc.ProxyTimeout) * time.Millisecond
	}

	// Effective rate limit: route override, else global security defaults.
	if rc.RateLimit != nil {
		route.RateLimit = *rc.RateLimit
	} else {
		route.RateLimit = config.RateLimitConfig{
			WindowMs:    sec.RateLimitWindowMs,
			MaxRequests: sec.RateLimitMaxRequests,
		}
	}

	// CSP: global directives, then the legacy routeCSP overlay, then the
	// route's own directives, concatenated with de-duplication.
	route.CSPHeader = headers.BuildCSP(sec.CSP, sec.RouteCSP[rc.Name], rc.CSP)

	for _, rule := range rc.Rewrite {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, err
		}
		route.rewrites = append(route.rewrites, compiledRewrite{re: re, replacement: rule.Replacement})
	}

	return route, nil
}

// normalizePrefix ensures a non-empty prefix starts with "/" and does not end
// with one (except the bare root, which is treated as a real prefix).
func normalizePrefix(p string) string {
	if p == "" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
