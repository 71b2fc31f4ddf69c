package config

import (
	"fmt"
	"os"
)

// exampleProxyYAML is the starter configuration written by --create-config.
const exampleProxyYAML = `# Example proxy configuration
port: 80
httpsPort: 443

letsEncrypt:
  email: admin@example.com
  staging: true
  certDir: ./certificates

logging:
  level: info

security:
  rateLimitWindowMs: 900000
  rateLimitMaxRequests: 100

routes:
  - name: api
    domain: api.example.com
    type: proxy
    target: http://127.0.0.1:9000
    ssl: true
    rewrite:
      "^/api/": "/v1/"
    headers:
      X-Proxied-By: proxy

  - name: app
    domain: app.example.com
    type: static
    staticPath: ./dist
    spaFallback: true

  - name: www-redirect
    domain: www.example.com
    type: redirect
    redirectTo: https://app.example.com

# processConfigFile: processes.yaml
`

// WriteExample writes an example proxy.yaml to path. It refuses to overwrite
// an existing file.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing file: %s", path)
	}
	return os.WriteFile(path, []byte(exampleProxyYAML), 0o644)
}
