package geo

import (
	"net/http"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/turpault/proxy/internal/config"
	"github.com/turpault/proxy/internal/logging"
)

// Decision is the outcome of a geo filter evaluation.
type Decision struct {
	Allowed  bool
	Status   int
	Message  string
	Redirect string
	Location *Location
}

// Filter is a compiled per-route geolocation filter. Blocked lists take
// precedence over allowed lists; an empty allowed list permits everything
// not blocked. Lookups that fail or return no location follow the
// "unknown" policy, which defaults to allow.
type Filter struct {
	provider Provider

	allowCountries map[string]bool // uppercase ISO codes
	blockCountries map[string]bool
	allowRegions   map[string]bool // lowercase normalized
	blockRegions   map[string]bool
	allowCities    map[string]bool
	blockCities    map[string]bool

	blockUnknown bool
	custom       *config.GeoCustomResponse
	routeName    string
}

// NewFilter compiles a filter from config and a shared Provider. A nil
// provider means every lookup is "unknown".
func NewFilter(routeName string, cfg *config.GeoFilterConfig, provider Provider) *Filter {
	f := &Filter{
		provider:       provider,
		allowCountries: toSet(cfg.AllowedCountries, strings.ToUpper),
		blockCountries: toSet(cfg.BlockedCountries, strings.ToUpper),
		allowRegions:   toSet(cfg.AllowedRegions, strings.ToLower),
		blockRegions:   toSet(cfg.BlockedRegions, strings.ToLower),
		allowCities:    toSet(cfg.AllowedCities, strings.ToLower),
		blockCities:    toSet(cfg.BlockedCities, strings.ToLower),
		blockUnknown:   cfg.Unknown == "block",
		custom:         cfg.CustomResponse,
		routeName:      routeName,
	}
	return f
}

func toSet(values []string, norm func(string) string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[norm(v)] = true
	}
	return set
}

// Evaluate decides whether the client IP may proceed. Loopback and private
// addresses always pass; they have no meaningful location.
func (f *Filter) Evaluate(clientIP string) Decision {
	if addr, err := netip.ParseAddr(clientIP); err == nil {
		if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() {
			return Decision{Allowed: true}
		}
	}

	var loc *Location
	if f.provider != nil {
		var err error
		loc, err = f.provider.Lookup(clientIP)
		if err != nil {
			logging.Debug("geo lookup failed",
				zap.String("route", f.routeName),
				zap.String("ip", clientIP),
				zap.Error(err),
			)
			loc = nil
		}
	}

	if loc == nil || loc.CountryCode == "" {
		if f.blockUnknown {
			return f.deny(loc, clientIP)
		}
		return Decision{Allowed: true, Location: loc}
	}

	country := strings.ToUpper(loc.CountryCode)
	region := strings.ToLower(loc.Region)
	city := strings.ToLower(loc.City)

	if f.blockCountries[country] || f.blockRegions[region] || f.blockCities[city] {
		return f.deny(loc, clientIP)
	}
	if f.allowCountries != nil && !f.allowCountries[country] {
		return f.deny(loc, clientIP)
	}
	if f.allowRegions != nil && !f.allowRegions[region] {
		return f.deny(loc, clientIP)
	}
	if f.allowCities != nil && !f.allowCities[city] {
		return f.deny(loc, clientIP)
	}

	return Decision{Allowed: true, Location: loc}
}

func (f *Filter) deny(loc *Location, clientIP string) Decision {
	d := Decision{
		Allowed:  false,
		Status:   http.StatusForbidden,
		Message:  "Access denied by geographic restriction",
		Location: loc,
	}
	if f.custom != nil {
		if f.custom.Status != 0 {
			d.Status = f.custom.Status
		}
		if f.custom.Message != "" {
			d.Message = f.custom.Message
		}
		d.Redirect = f.custom.Redirect
	}

	country := ""
	if loc != nil {
		country = loc.CountryCode
	}
	logging.Info("geo filter denied request",
		zap.String("route", f.routeName),
		zap.String("ip", clientIP),
		zap.String("country", country),
	)
	return d
}
