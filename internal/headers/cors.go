package headers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/turpault/proxy/internal/config"
)

// CORS handles cross-origin headers for a route.
type CORS struct {
	enabled          bool
	allowOrigins     []string
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
	preflightStatus  int
	allowAllOrigins  bool
}

// NewCORS creates a CORS handler from config.
func NewCORS(cfg config.CORSConfig) *CORS {
	h := &CORS{
		enabled:          cfg.Enabled,
		allowOrigins:     cfg.AllowOrigins,
		allowCredentials: cfg.AllowCredentials,
	}

	if len(cfg.AllowMethods) > 0 {
		h.allowMethods = strings.Join(cfg.AllowMethods, ", ")
	} else {
		h.allowMethods = strings.Join(config.DefaultCORSMethods, ", ")
	}

	if len(cfg.AllowHeaders) > 0 {
		h.allowHeaders = strings.Join(cfg.AllowHeaders, ", ")
	} else {
		h.allowHeaders = "Content-Type, Authorization"
	}

	if len(cfg.ExposeHeaders) > 0 {
		h.exposeHeaders = strings.Join(cfg.ExposeHeaders, ", ")
	}

	if cfg.MaxAge > 0 {
		h.maxAge = strconv.Itoa(cfg.MaxAge)
	} else {
		h.maxAge = "86400"
	}

	h.preflightStatus = cfg.PreflightStatus
	if h.preflightStatus == 0 {
		h.preflightStatus = http.StatusNoContent
	}

	if len(cfg.AllowOrigins) == 0 {
		h.allowAllOrigins = true
	}
	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			h.allowAllOrigins = true
			break
		}
	}

	return h
}

// Enabled returns whether CORS is enabled for the route.
func (h *CORS) Enabled() bool {
	return h.enabled
}

// IsPreflight returns true if the request is a CORS preflight.
func (h *CORS) IsPreflight(r *http.Request) bool {
	return h.enabled && r.Method == http.MethodOptions && r.Header.Get("Origin") != ""
}

// originAllowed checks the Origin header against the allow list.
func (h *CORS) originAllowed(origin string) bool {
	if h.allowAllOrigins {
		return true
	}
	for _, o := range h.allowOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// HandlePreflight writes the preflight response. Returns false when the
// origin is not allowed (caller falls through to normal dispatch).
func (h *CORS) HandlePreflight(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if !h.originAllowed(origin) {
		return false
	}

	hdr := w.Header()
	h.setOrigin(hdr, origin)
	hdr.Set("Access-Control-Allow-Methods", h.allowMethods)
	hdr.Set("Access-Control-Allow-Headers", h.allowHeaders)
	hdr.Set("Access-Control-Max-Age", h.maxAge)
	w.WriteHeader(h.preflightStatus)
	return true
}

// Apply sets CORS headers on a non-preflight response.
func (h *CORS) Apply(w http.ResponseWriter, r *http.Request) {
	if !h.enabled {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" || !h.originAllowed(origin) {
		return
	}
	hdr := w.Header()
	h.setOrigin(hdr, origin)
	if h.exposeHeaders != "" {
		hdr.Set("Access-Control-Expose-Headers", h.exposeHeaders)
	}
}

func (h *CORS) setOrigin(hdr http.Header, origin string) {
	if h.allowAllOrigins && !h.allowCredentials {
		hdr.Set("Access-Control-Allow-Origin", "*")
	} else {
		hdr.Set("Access-Control-Allow-Origin", origin)
		hdr.Add("Vary", "Origin")
	}
	if h.allowCredentials {
		hdr.Set("Access-Control-Allow-Credentials", "true")
	}
}
