package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/robfig/cron/v3"
)

// Loader handles configuration loading, env substitution, and validation.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// placeholderPattern matches any surviving ${VAR} placeholder.
var placeholderPattern = regexp.MustCompile(`\$\{[^}]*\}`)

// HasPlaceholder reports whether s still contains an unresolved ${VAR}.
func HasPlaceholder(s string) bool {
	return placeholderPattern.MatchString(s)
}

// Load reads the configuration rooted at path and returns a validated
// snapshot. The file may be a main.yaml or, in the legacy layout, a lone
// proxy.yaml (optionally pointing at a process file via processConfigFile).
func (l *Loader) Load(path string) (*Snapshot, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := l.expandEnvVars(string(data))

	snap := &Snapshot{LoadedAt: time.Now()}

	if isMainConfig([]byte(expanded)) {
		main := DefaultMainConfig()
		if err := yaml.Unmarshal([]byte(expanded), main); err != nil {
			return nil, fmt.Errorf("failed to parse main config: %w", err)
		}
		snap.Main = main
		snap.MainPath = abs

		proxyPath := main.Config.Proxy
		if proxyPath == "" {
			proxyPath = "proxy.yaml"
		}
		snap.ProxyPath = resolveRelative(filepath.Dir(abs), proxyPath)

		if main.Config.Processes != "" {
			snap.ProcessPath = resolveRelative(filepath.Dir(abs), main.Config.Processes)
		}
	} else {
		// Legacy layout: the given file is the proxy config itself.
		snap.Main = DefaultMainConfig()
		snap.ProxyPath = abs
	}

	proxy, err := l.loadProxy(snap.ProxyPath)
	if err != nil {
		return nil, err
	}
	snap.Proxy = proxy

	// A processConfigFile reference resolves relative to the proxy config's
	// directory and is only used when main.yaml names no process file.
	if snap.ProcessPath == "" && proxy.ProcessConfigFile != "" {
		snap.ProcessPath = resolveRelative(filepath.Dir(snap.ProxyPath), proxy.ProcessConfigFile)
	}

	if snap.ProcessPath != "" {
		procs, err := l.loadProcesses(snap.ProcessPath)
		if err != nil {
			return nil, err
		}
		snap.Processes = procs
	}

	if err := l.validate(snap); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return snap, nil
}

// loadProxy reads and parses the proxy config, applying defaults and
// environment overrides.
func (l *Loader) loadProxy(path string) (*ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy config: %w", err)
	}

	cfg := DefaultProxyConfig()
	if err := yaml.Unmarshal([]byte(l.expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse proxy config: %w", err)
	}

	l.applyEnvOverrides(cfg)

	// Route type defaults to proxy.
	for i := range cfg.Routes {
		if cfg.Routes[i].Type == "" {
			cfg.Routes[i].Type = RouteProxy
		}
		if cfg.Routes[i].Forward.ParamName == "" {
			cfg.Routes[i].Forward.ParamName = DefaultForwardParam
		}
	}

	return cfg, nil
}

// loadProcesses reads and parses the process config, folding shared settings
// defaults into each process entry.
func (l *Loader) loadProcesses(path string) (*ProcessFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read process config: %w", err)
	}

	pf := &ProcessFile{}
	if err := yaml.Unmarshal([]byte(l.expandEnvVars(string(data))), pf); err != nil {
		return nil, fmt.Errorf("failed to parse process config: %w", err)
	}

	for id, p := range pf.Processes {
		if p.Name == "" {
			p.Name = id
		}
		if p.RestartOnExit == nil {
			p.RestartOnExit = pf.Settings.DefaultRestart.RestartOnExit
		}
		if p.RestartDelay == nil {
			p.RestartDelay = pf.Settings.DefaultRestart.RestartDelay
		}
		if p.MaxRestarts == nil {
			p.MaxRestarts = pf.Settings.DefaultRestart.MaxRestarts
		}
		if !p.HealthCheck.Enabled && pf.Settings.DefaultHealthCheck.Enabled {
			hc := pf.Settings.DefaultHealthCheck
			if p.HealthCheck.Path != "" {
				hc.Path = p.HealthCheck.Path
			}
			p.HealthCheck = hc
		}
		if p.HealthCheck.Interval == 0 {
			p.HealthCheck.Interval = 30000
		}
		if p.HealthCheck.Timeout == 0 {
			p.HealthCheck.Timeout = 5000
		}
		if p.HealthCheck.Retries == 0 {
			p.HealthCheck.Retries = 3
		}
		pf.Processes[id] = p
	}

	return pf, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are preserved verbatim so downstream consumers can flag them.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// applyEnvOverrides applies documented environment overrides on top of YAML.
func (l *Loader) applyEnvOverrides(cfg *ProxyConfig) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("HTTPS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.HTTPSPort = port
		}
	}
	if v := os.Getenv("LETSENCRYPT_EMAIL"); v != "" {
		cfg.LetsEncrypt.Email = v
	}
	if v := os.Getenv("LETSENCRYPT_STAGING"); v != "" {
		cfg.LetsEncrypt.Staging = v == "true"
	}
	if v := os.Getenv("CERT_DIR"); v != "" {
		cfg.LetsEncrypt.CertDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Security.RateLimitWindowMs = ms
		}
	}
	if v := os.Getenv("RATE_LIMIT_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Security.RateLimitMaxRequests = n
		}
	}
}

// cronParser accepts the standard 5-field cron syntax plus descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// validate checks the full snapshot for errors.
func (l *Loader) validate(snap *Snapshot) error {
	cfg := snap.Proxy

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.HTTPSPort <= 0 || cfg.HTTPSPort > 65535 {
		return fmt.Errorf("invalid httpsPort: %d", cfg.HTTPSPort)
	}

	routeNames := make(map[string]bool)
	for i, route := range cfg.Routes {
		name := route.Name
		if name == "" {
			return fmt.Errorf("route %d: name is required", i)
		}
		if routeNames[name] {
			return fmt.Errorf("duplicate route name: %s", name)
		}
		routeNames[name] = true

		if route.Domain == "" {
			return fmt.Errorf("route %s: domain is required", name)
		}

		switch route.Type {
		case RouteProxy:
			if route.Target == "" {
				return fmt.Errorf("route %s: type proxy requires target", name)
			}
		case RouteStatic:
			if route.StaticPath == "" {
				return fmt.Errorf("route %s: type static requires staticPath", name)
			}
		case RouteRedirect:
			if route.RedirectTo == "" {
				return fmt.Errorf("route %s: type redirect requires redirectTo", name)
			}
		case RouteForward:
			if len(route.Forward.AllowedDomains) == 0 {
				return fmt.Errorf("route %s: type forward requires forward.allowedDomains", name)
			}
		default:
			return fmt.Errorf("route %s: invalid type %q (must be proxy, static, redirect, or forward)", name, route.Type)
		}

		for _, rule := range route.Rewrite {
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return fmt.Errorf("route %s: invalid rewrite pattern %q: %w", name, rule.Pattern, err)
			}
		}

		if route.RateLimit != nil && route.RateLimit.WindowMs < 0 {
			return fmt.Errorf("route %s: rateLimit.windowMs must be >= 0", name)
		}

		// OAuth2 credentials must not carry unresolved placeholders; failing
		// here keeps a misconfigured auth route from ever activating.
		if route.OAuth2 != nil {
			for field, value := range map[string]string{
				"clientId":     route.OAuth2.ClientID,
				"clientSecret": route.OAuth2.ClientSecret,
				"callbackUrl":  route.OAuth2.CallbackURL,
			} {
				if HasPlaceholder(value) {
					return fmt.Errorf("route %s: oauth2.%s contains unresolved environment variable: %s", name, field, value)
				}
			}
		}
		if route.RequireAuth && route.OAuth2 == nil {
			return fmt.Errorf("route %s: requireAuth requires oauth2 configuration", name)
		}
	}

	if snap.Processes != nil {
		for id, p := range snap.Processes.Processes {
			if p.Command == "" {
				return fmt.Errorf("process %s: command is required", id)
			}
			if p.MaxRestarts != nil && *p.MaxRestarts < 0 {
				return fmt.Errorf("process %s: maxRestarts must be >= 0", id)
			}
			if p.Schedule.Enabled {
				if _, err := cronParser.Parse(p.Schedule.Cron); err != nil {
					return fmt.Errorf("process %s: invalid cron expression %q: %w", id, p.Schedule.Cron, err)
				}
				if p.Schedule.Timezone != "" {
					if _, err := time.LoadLocation(p.Schedule.Timezone); err != nil {
						return fmt.Errorf("process %s: invalid timezone %q: %w", id, p.Schedule.Timezone, err)
					}
				}
			}
			if p.HealthCheck.Enabled {
				if p.HealthCheck.Path == "" {
					return fmt.Errorf("process %s: healthCheck.path is required when enabled", id)
				}
				if !strings.HasPrefix(p.HealthCheck.Path, "http://") &&
					!strings.HasPrefix(p.HealthCheck.Path, "https://") && p.Target == "" {
					return fmt.Errorf("process %s: healthCheck.path is relative but no target is set", id)
				}
			}
		}
	}

	return nil
}

// isMainConfig sniffs whether the YAML document is a main.yaml (as opposed to
// a legacy standalone proxy.yaml).
func isMainConfig(data []byte) bool {
	var top map[string]interface{}
	if err := yaml.Unmarshal(data, &top); err != nil {
		return false
	}
	if _, ok := top["routes"]; ok {
		return false
	}
	if _, ok := top["config"]; ok {
		return true
	}
	if _, ok := top["management"]; ok {
		return true
	}
	if _, ok := top["settings"]; ok {
		return true
	}
	return false
}

// resolveRelative resolves path against base unless it is already absolute.
func resolveRelative(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
