// Package certs loads per-domain TLS material and terminates TLS with strict
// SNI selection. Certificates live on disk at ${certDir}/${domain}/cert.pem
// and key.pem; domains with missing or near-expiry material are handed to a
// Renewer.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/turpault/proxy/internal/logging"
)

// renewalWindow is how close to NotAfter a certificate must be before it is
// considered due for renewal.
const renewalWindow = 30 * 24 * time.Hour

// Renewer is asked to obtain or renew material for a domain. Implemented by
// the ACME manager; a nil Renewer means missing material stays missing.
type Renewer interface {
	Renew(domain string) error
}

// Entry is one domain's loaded certificate and its parsed validity bounds.
type Entry struct {
	Domain    string
	Cert      *tls.Certificate
	NotBefore time.Time
	NotAfter  time.Time
}

// Valid reports whether the certificate is currently within its bounds.
func (e *Entry) Valid() bool {
	now := time.Now()
	return now.After(e.NotBefore) && now.Before(e.NotAfter)
}

// NeedsRenewal reports whether the certificate expires within the renewal
// window.
func (e *Entry) NeedsRenewal() bool {
	return time.Until(e.NotAfter) < renewalWindow
}

// Store holds loaded certificates keyed by domain and answers SNI lookups.
type Store struct {
	certDir string
	renewer Renewer

	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewStore creates a Store rooted at certDir.
func NewStore(certDir string, renewer Renewer) *Store {
	return &Store{
		certDir: certDir,
		renewer: renewer,
		entries: make(map[string]*Entry),
	}
}

// Load scans certDir for the given domains, replacing the current entry set.
// Domains with missing, unparsable, or near-expiry material are reported to
// the Renewer; load errors for one domain never block the others.
func (s *Store) Load(domains []string) {
	entries := make(map[string]*Entry, len(domains))

	for _, domain := range domains {
		entry, err := s.loadDomain(domain)
		if err != nil {
			logging.Warn("certificate unavailable",
				zap.String("domain", domain),
				zap.Error(err),
			)
			s.requestRenewal(domain)
			continue
		}
		if entry.NeedsRenewal() {
			logging.Info("certificate due for renewal",
				zap.String("domain", domain),
				zap.Time("notAfter", entry.NotAfter),
			)
			s.requestRenewal(domain)
		}
		entries[domain] = entry
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
}

// loadDomain reads and parses one domain's material from disk.
func (s *Store) loadDomain(domain string) (*Entry, error) {
	dir := filepath.Join(s.certDir, domain)
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	if _, err := os.Stat(certPath); err != nil {
		return nil, fmt.Errorf("no certificate for %s: %w", domain, err)
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading key pair for %s: %w", domain, err)
	}

	leaf := cert.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("parsing certificate for %s: %w", domain, err)
		}
		cert.Leaf = leaf
	}

	return &Entry{
		Domain:    domain,
		Cert:      &cert,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
	}, nil
}

func (s *Store) requestRenewal(domain string) {
	if s.renewer == nil {
		return
	}
	go func() {
		if err := s.renewer.Renew(domain); err != nil {
			logging.Error("certificate renewal failed",
				zap.String("domain", domain),
				zap.Error(err),
			)
		}
	}()
}

// GetCertificate implements tls.Config.GetCertificate. Unknown domains and
// invalid material fail the handshake; there is no default certificate.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	domain := strings.ToLower(strings.TrimSuffix(hello.ServerName, "."))

	s.mu.RLock()
	entry := s.entries[domain]
	s.mu.RUnlock()

	if entry == nil {
		return nil, fmt.Errorf("no certificate for %q", domain)
	}
	if !entry.Valid() {
		return nil, fmt.Errorf("certificate for %q is outside its validity window", domain)
	}
	return entry.Cert, nil
}

// Entries returns a snapshot of loaded entries for status reporting.
func (s *Store) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// TLSConfig builds the listener's TLS configuration around SNI lookup.
func (s *Store) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.GetCertificate,
	}
}
