package certs

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/turpault/proxy/internal/config"
	"github.com/turpault/proxy/internal/logging"
)

const stagingDirectoryURL = "https://acme-staging-v02.api.letsencrypt.org/directory"

// ACMEManager obtains certificates over HTTP-01 and exports the material to
// ${certDir}/${domain}/cert.pem and key.pem, where the Store picks it up.
type ACMEManager struct {
	mgr      *autocert.Manager
	certDir  string
	obtained func(domain string)

	mu      sync.Mutex
	pending map[string]bool
}

// NewACMEManager creates the manager. obtained is called after material for a
// domain has been written to disk, so the caller can reload its Store.
func NewACMEManager(cfg config.LetsEncryptConfig, certDir string, domains []string, obtained func(domain string)) *ACMEManager {
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(filepath.Join(certDir, ".acme-cache")),
		HostPolicy: autocert.HostWhitelist(domains...),
		Email:      cfg.Email,
	}
	if cfg.Staging {
		m.Client = &acme.Client{DirectoryURL: stagingDirectoryURL}
	}

	return &ACMEManager{
		mgr:      m,
		certDir:  certDir,
		obtained: obtained,
		pending:  make(map[string]bool),
	}
}

// ChallengeHandler serves HTTP-01 tokens. The dispatcher mounts it on
// /.well-known/acme-challenge/ ahead of route resolution.
func (a *ACMEManager) ChallengeHandler() http.Handler {
	return a.mgr.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
}

// Renew obtains (or renews) material for domain and exports it. Concurrent
// requests for the same domain coalesce into one issuance.
func (a *ACMEManager) Renew(domain string) error {
	a.mu.Lock()
	if a.pending[domain] {
		a.mu.Unlock()
		return nil
	}
	a.pending[domain] = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, domain)
		a.mu.Unlock()
	}()

	logging.Info("requesting certificate", zap.String("domain", domain))

	cert, err := a.mgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
	if err != nil {
		return fmt.Errorf("obtaining certificate for %s: %w", domain, err)
	}

	if err := a.export(domain, cert); err != nil {
		return err
	}

	logging.Info("certificate obtained", zap.String("domain", domain))
	if a.obtained != nil {
		a.obtained(domain)
	}
	return nil
}

// export writes the certificate chain and private key as PEM files.
func (a *ACMEManager) export(domain string, cert *tls.Certificate) error {
	dir := filepath.Join(a.certDir, domain)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cert dir: %w", err)
	}

	var chain []byte
	for _, der := range cert.Certificate {
		chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	if err := os.WriteFile(filepath.Join(dir, "cert.pem"), chain, 0o644); err != nil {
		return fmt.Errorf("writing cert.pem: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return fmt.Errorf("encoding private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(filepath.Join(dir, "key.pem"), keyPEM, 0o600); err != nil {
		return fmt.Errorf("writing key.pem: %w", err)
	}

	return nil
}
