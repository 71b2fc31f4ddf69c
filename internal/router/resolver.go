// Package router selects a route and its effective dispatch plan for a
// request. Matching is deterministic: domain equality first, then the longest
// matching path prefix, with definition order as tie-break.
package router

import (
	"sort"
	"strings"

	"github.com/turpault/proxy/internal/config"
)

// Resolver resolves (host, path) to a compiled route. A Resolver is built
// once per configuration snapshot and is immutable afterwards.
type Resolver struct {
	byDomain map[string][]*Route
	all      []*Route
}

// NewResolver compiles all routes from the snapshot's proxy config.
func NewResolver(proxy *config.ProxyConfig) (*Resolver, error) {
	rs := &Resolver{byDomain: make(map[string][]*Route)}

	for i := range proxy.Routes {
		route, err := compileRoute(&proxy.Routes[i], &proxy.Security, i)
		if err != nil {
			return nil, err
		}
		rs.byDomain[route.Domain] = append(rs.byDomain[route.Domain], route)
		rs.all = append(rs.all, route)
	}

	// Longest prefix first; definition order breaks ties. A route without a
	// prefix sorts last and matches any path on the domain.
	for _, routes := range rs.byDomain {
		sort.SliceStable(routes, func(i, j int) bool {
			li, lj := len(routes[i].PathPrefix), len(routes[j].PathPrefix)
			if li != lj {
				return li > lj
			}
			return routes[i].idx < routes[j].idx
		})
	}

	return rs, nil
}

// Resolve returns the route for the request, or nil when nothing matches.
func (rs *Resolver) Resolve(host, path string) *Route {
	domain := normalizeHost(host)
	for _, route := range rs.byDomain[domain] {
		if route.PathPrefix == "" || pathHasPrefix(path, route.PathPrefix) {
			return route
		}
	}
	return nil
}

// Routes returns all compiled routes in definition order.
func (rs *Resolver) Routes() []*Route {
	return rs.all
}

// Domains returns the set of routing domains, for certificate loading.
func (rs *Resolver) Domains() []string {
	domains := make([]string, 0, len(rs.byDomain))
	for d := range rs.byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

// normalizeHost lowercases the host and strips any port.
func normalizeHost(host string) string {
	host = strings.ToLower(host)
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.HasSuffix(host, "]") {
		// Keep bare IPv6 literals intact; strip :port otherwise.
		if !strings.Contains(host[i:], "]") {
			host = host[:i]
		}
	}
	return strings.TrimSuffix(host, ".")
}

// pathHasPrefix matches at segment boundaries: /api matches /api and /api/x
// but not /apix.
func pathHasPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	return path[len(prefix)] == '/' || strings.HasSuffix(prefix, "/")
}
