package config

import (
	"time"
)

// RouteType determines how a matched route produces a response.
type RouteType string

const (
	RouteProxy    RouteType = "proxy"
	RouteStatic   RouteType = "static"
	RouteRedirect RouteType = "redirect"
	RouteForward  RouteType = "forward"
)

// MainConfig is the top-level main.yaml structure.
type MainConfig struct {
	Management  ManagementConfig  `yaml:"management"`
	Config      ConfigPaths       `yaml:"config"`
	Settings    SettingsConfig    `yaml:"settings"`
	Development DevelopmentConfig `yaml:"development"`
}

// ManagementConfig configures the management listener.
type ManagementConfig struct {
	Port           int        `yaml:"port"`
	Host           string     `yaml:"host"`
	AdminPassword  string     `yaml:"adminPassword"`
	SessionTimeout int64      `yaml:"sessionTimeout"` // ms
	CORS           CORSConfig `yaml:"cors"`
}

// ConfigPaths references the other configuration files.
type ConfigPaths struct {
	Proxy     string `yaml:"proxy"`
	Processes string `yaml:"processes"`
}

// SettingsConfig holds directory layout and collaborator settings.
type SettingsConfig struct {
	DataDir         string           `yaml:"dataDir"`
	LogsDir         string           `yaml:"logsDir"`
	CertificatesDir string           `yaml:"certificatesDir"`
	TempDir         string           `yaml:"tempDir"`
	StatsDir        string           `yaml:"statsDir"`
	CacheDir        string           `yaml:"cacheDir"`
	BackupDir       string           `yaml:"backupDir"`
	Statistics      StatisticsConfig `yaml:"statistics"`
	Cache           CacheConfig      `yaml:"cache"`
}

// StatisticsConfig configures the statistics sink.
type StatisticsConfig struct {
	Enabled        bool  `yaml:"enabled"`
	BackupInterval int64 `yaml:"backupInterval"` // ms
	RetentionDays  int   `yaml:"retentionDays"`
}

// CacheConfig configures the cache collaborator.
type CacheConfig struct {
	Enabled         bool  `yaml:"enabled"`
	MaxAge          int64 `yaml:"maxAge"` // ms
	MaxSize         int64 `yaml:"maxSize"`
	CleanupInterval int64 `yaml:"cleanupInterval"` // ms
}

// DevelopmentConfig holds development toggles.
type DevelopmentConfig struct {
	Debug     bool `yaml:"debug"`
	Verbose   bool `yaml:"verbose"`
	HotReload bool `yaml:"hotReload"`
}

// ProxyConfig is the top-level proxy.yaml structure.
type ProxyConfig struct {
	Port        int               `yaml:"port"`
	HTTPSPort   int               `yaml:"httpsPort"`
	Routes      []RouteConfig     `yaml:"routes"`
	LetsEncrypt LetsEncryptConfig `yaml:"letsEncrypt"`
	Logging     LoggingConfig     `yaml:"logging"`
	Security    SecurityConfig    `yaml:"security"`

	// ProcessConfigFile supports the legacy single-file layout where
	// proxy.yaml points at processes.yaml directly.
	ProcessConfigFile string `yaml:"processConfigFile"`
}

// LetsEncryptConfig configures the ACME collaborator.
type LetsEncryptConfig struct {
	Email   string `yaml:"email"`
	Staging bool   `yaml:"staging"`
	CertDir string `yaml:"certDir"`
}

// LoggingConfig configures the proxy's own log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// SecurityConfig holds global security defaults.
type SecurityConfig struct {
	RateLimitWindowMs    int64                        `yaml:"rateLimitWindowMs"`
	RateLimitMaxRequests int                          `yaml:"rateLimitMaxRequests"`
	CSP                  map[string]string            `yaml:"csp"`
	RouteCSP             map[string]map[string]string `yaml:"routeCSP"`
	GeoDatabase          string                       `yaml:"geoDatabase"`
	GeolocationFilter    *GeoFilterConfig             `yaml:"geolocationFilter"`
}

// RouteConfig describes one route in proxy.yaml.
type RouteConfig struct {
	Name   string    `yaml:"name"`
	Domain string    `yaml:"domain"`
	Path   string    `yaml:"path"`
	Type   RouteType `yaml:"type"`

	Target         string `yaml:"target"`
	StaticPath     string `yaml:"staticPath"`
	SPAFallback    bool   `yaml:"spaFallback"`
	RedirectTo     string `yaml:"redirectTo"`
	RedirectStatus int    `yaml:"redirectStatus"`

	Rewrite RewriteRules      `yaml:"rewrite"`
	Replace ReplaceRules      `yaml:"replace"`
	Headers map[string]string `yaml:"headers"`

	SSL  bool              `yaml:"ssl"`
	CSP  map[string]string `yaml:"csp"`
	CORS CORSConfig        `yaml:"cors"`

	Geolocation *GeoFilterConfig `yaml:"geolocation"`

	OAuth2      *OAuth2Config `yaml:"oauth2"`
	RequireAuth bool          `yaml:"requireAuth"`
	PublicPaths []string      `yaml:"publicPaths"`

	RateLimit *RateLimitConfig `yaml:"rateLimit"`
	Forward   ForwardConfig    `yaml:"forward"`

	ProxyTimeout int64 `yaml:"proxyTimeout"` // ms, bounds time to upstream first byte
}

// RewriteRule is one ordered regex rewrite applied to the request path.
type RewriteRule struct {
	Pattern     string
	Replacement string
}

// ReplaceRule is a literal substring replacement applied after rewrites.
type ReplaceRule struct {
	From string
	To   string
}

// RateLimitConfig holds per-route rate limit settings.
// WindowMs == 0 disables the limiter for the route.
type RateLimitConfig struct {
	WindowMs    int64 `yaml:"windowMs"`
	MaxRequests int   `yaml:"maxRequests"`
}

// Window returns the window length as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// CORSConfig may be a boolean (true = defaults) or an object in YAML.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowMethods     []string `yaml:"allowMethods"`
	AllowHeaders     []string `yaml:"allowHeaders"`
	ExposeHeaders    []string `yaml:"exposeHeaders"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
	PreflightStatus  int      `yaml:"preflightStatus"`
}

// GeoFilterConfig configures the geolocation filter.
type GeoFilterConfig struct {
	AllowedCountries []string            `yaml:"allowedCountries"`
	BlockedCountries []string            `yaml:"blockedCountries"`
	AllowedRegions   []string            `yaml:"allowedRegions"`
	BlockedRegions   []string            `yaml:"blockedRegions"`
	AllowedCities    []string            `yaml:"allowedCities"`
	BlockedCities    []string            `yaml:"blockedCities"`
	Unknown          string              `yaml:"unknown"` // "allow" (default) or "block"
	CustomResponse   *GeoCustomResponse  `yaml:"customResponse"`
}

// GeoCustomResponse overrides the default 403 on a geo block.
type GeoCustomResponse struct {
	Status   int    `yaml:"status"`
	Message  string `yaml:"message"`
	Redirect string `yaml:"redirect"`
}

// OAuth2Config configures per-route OAuth2 authentication.
type OAuth2Config struct {
	Provider     string   `yaml:"provider"`
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	CallbackURL  string   `yaml:"callbackUrl"`
	AuthURL      string   `yaml:"authUrl"`
	TokenURL     string   `yaml:"tokenUrl"`
	UserInfoURL  string   `yaml:"userInfoUrl"`
	Scopes       []string `yaml:"scopes"`
	// SessionTimeout is the sliding session expiry in ms (default 24h).
	SessionTimeout int64 `yaml:"sessionTimeout"`
}

// ForwardConfig constrains the dynamic forward proxy.
type ForwardConfig struct {
	AllowedDomains []string `yaml:"allowedDomains"`
	ParamName      string   `yaml:"paramName"`
	HTTPSOnly      *bool    `yaml:"httpsOnly"` // default true
}

// HTTPSOnlyEnabled reports whether only https targets are accepted.
func (f ForwardConfig) HTTPSOnlyEnabled() bool {
	return f.HTTPSOnly == nil || *f.HTTPSOnly
}

// ProcessFile is the top-level processes.yaml structure.
type ProcessFile struct {
	Processes map[string]ProcessConfig `yaml:"processes"`
	Settings  ProcessSettings          `yaml:"settings"`
}

// ProcessConfig describes one managed child process.
type ProcessConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Cwd     string            `yaml:"cwd"`
	Env     map[string]string `yaml:"env"`

	// Pointer restart fields distinguish unset (inherit the shared default)
	// from an explicit zero, which disables the behavior.
	RestartOnExit *bool  `yaml:"restartOnExit"`
	RestartDelay  *int64 `yaml:"restartDelay"` // ms
	MaxRestarts   *int   `yaml:"maxRestarts"`

	PidFile string `yaml:"pidFile"`
	LogFile string `yaml:"logFile"`

	// Target is the base URL health check paths are resolved against.
	Target string `yaml:"target"`

	HealthCheck HealthCheckConfig `yaml:"healthCheck"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
}

// RestartEnabled reports whether the process restarts on unexpected exit.
func (p ProcessConfig) RestartEnabled() bool {
	return p.RestartOnExit == nil || *p.RestartOnExit
}

// RestartDelayMs returns the restart delay in ms, 0 when unset.
func (p ProcessConfig) RestartDelayMs() int64 {
	if p.RestartDelay == nil {
		return 0
	}
	return *p.RestartDelay
}

// RestartBudget returns maxRestarts; 0 (explicit or unset) disables
// auto-restart.
func (p ProcessConfig) RestartBudget() int {
	if p.MaxRestarts == nil {
		return 0
	}
	return *p.MaxRestarts
}

// HealthCheckConfig configures the periodic HTTP probe.
type HealthCheckConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Path     string `yaml:"path"` // absolute http(s) URL bypasses target concatenation
	Interval int64  `yaml:"interval"` // ms
	Timeout  int64  `yaml:"timeout"`  // ms
	Retries  int    `yaml:"retries"`
}

// ScheduleConfig configures cron-style process scheduling.
type ScheduleConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Cron          string `yaml:"cron"`
	Timezone      string `yaml:"timezone"`
	MaxDuration   int64  `yaml:"maxDuration"` // ms
	AutoStop      bool   `yaml:"autoStop"`
	SkipIfRunning bool   `yaml:"skipIfRunning"`
}

// ProcessSettings holds shared defaults for all processes.
type ProcessSettings struct {
	DefaultHealthCheck HealthCheckConfig `yaml:"defaultHealthCheck"`
	DefaultRestart     RestartDefaults   `yaml:"defaultRestart"`
	PidManagement      PidManagement     `yaml:"pidManagement"`
	Logging            ProcessLogging    `yaml:"logging"`
}

// RestartDefaults are applied to processes that leave restart fields unset.
type RestartDefaults struct {
	RestartOnExit *bool  `yaml:"restartOnExit"`
	RestartDelay  *int64 `yaml:"restartDelay"` // ms
	MaxRestarts   *int   `yaml:"maxRestarts"`
}

// PidManagement configures PID file placement.
type PidManagement struct {
	PidDir string `yaml:"pidDir"`
}

// ProcessLogging configures child process log file placement.
type ProcessLogging struct {
	LogDir string `yaml:"logDir"`
}

// Defaults applied before unmarshalling.
const (
	DefaultPort                 = 80
	DefaultHTTPSPort            = 443
	DefaultRateLimitWindowMs    = 900000
	DefaultRateLimitMaxRequests = 100
	DefaultForwardParam         = "url"
	DefaultRequestTimeout       = 30 * time.Second
	DefaultSessionTimeoutMs     = 24 * 60 * 60 * 1000
)

// DefaultCORSMethods are the CORS default allowed methods.
var DefaultCORSMethods = []string{"GET", "HEAD", "PUT", "PATCH", "POST", "DELETE"}

// DefaultProxyConfig returns a ProxyConfig with defaults applied.
func DefaultProxyConfig() *ProxyConfig {
	return &ProxyConfig{
		Port:      DefaultPort,
		HTTPSPort: DefaultHTTPSPort,
		Logging:   LoggingConfig{Level: "info"},
		Security: SecurityConfig{
			RateLimitWindowMs:    DefaultRateLimitWindowMs,
			RateLimitMaxRequests: DefaultRateLimitMaxRequests,
		},
	}
}

// DefaultMainConfig returns a MainConfig with defaults applied.
func DefaultMainConfig() *MainConfig {
	return &MainConfig{
		Settings: SettingsConfig{
			DataDir:         "data",
			LogsDir:         "logs",
			CertificatesDir: "certificates",
			TempDir:         "tmp",
			StatsDir:        "stats",
			CacheDir:        "cache",
			BackupDir:       "backups",
		},
	}
}

// Snapshot is an immutable validated configuration value. It is published
// atomically by the Store; in-flight requests keep the snapshot they captured.
type Snapshot struct {
	Main      *MainConfig
	Proxy     *ProxyConfig
	Processes *ProcessFile // nil when no process config is referenced

	MainPath    string
	ProxyPath   string
	ProcessPath string

	LoadedAt time.Time
}

// WatchedFiles returns the dependency set the reload coordinator watches.
func (s *Snapshot) WatchedFiles() []string {
	var files []string
	if s.MainPath != "" {
		files = append(files, s.MainPath)
	}
	if s.ProxyPath != "" {
		files = append(files, s.ProxyPath)
	}
	if s.ProcessPath != "" {
		files = append(files, s.ProcessPath)
	}
	return files
}

// FindRoute returns the route with the given name, or nil.
func (p *ProxyConfig) FindRoute(name string) *RouteConfig {
	for i := range p.Routes {
		if p.Routes[i].Name == name {
			return &p.Routes[i]
		}
	}
	return nil
}
