package supervisor

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/turpault/proxy/internal/config"
)

// internalEnv names proxy-internal variables that are never inherited by
// children.
var internalEnv = map[string]bool{
	"CONFIG_FILE":          true,
	"MAIN_CONFIG_FILE":     true,
	"DISABLE_CONFIG_WATCH": true,
	"LETSENCRYPT_EMAIL":    true,
	"LETSENCRYPT_STAGING":  true,
}

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// buildEnv assembles a child's environment: the proxy's environment minus
// internal variables, the per-process builtins, then the configured overrides
// with ${VAR} placeholders expanded. Unset placeholders stay verbatim, same
// as the config loader.
func buildEnv(id string, cfg config.ProcessConfig) []string {
	builtins := map[string]string{
		"PROCESS_ID":   id,
		"PROCESS_NAME": cfg.Name,
		"TIMESTAMP":    time.Now().Format(time.RFC3339),
		"RANDOM":       randomToken(),
	}

	env := make([]string, 0, len(os.Environ())+len(builtins)+len(cfg.Env))
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if internalEnv[name] {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range builtins {
		env = append(env, k+"="+v)
	}
	for k, v := range cfg.Env {
		env = append(env, k+"="+expandEnv(v, builtins))
	}
	return env
}

func expandEnv(value string, builtins map[string]string) string {
	return envPlaceholder.ReplaceAllStringFunc(value, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := builtins[name]; ok {
			return v
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

func randomToken() string {
	buf := make([]byte, 4)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
