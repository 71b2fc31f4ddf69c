// Package server wires the configuration store, dispatcher, certificates,
// supervisor, and listeners into one runnable proxy.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/turpault/proxy/internal/certs"
	"github.com/turpault/proxy/internal/config"
	"github.com/turpault/proxy/internal/dispatch"
	"github.com/turpault/proxy/internal/logging"
	"github.com/turpault/proxy/internal/management"
	"github.com/turpault/proxy/internal/proxy"
	"github.com/turpault/proxy/internal/session"
	"github.com/turpault/proxy/internal/stats"
	"github.com/turpault/proxy/internal/supervisor"
)

const (
	shutdownTimeout = 30 * time.Second
	sweepInterval   = time.Hour
)

// Server owns every long-lived component of the proxy.
type Server struct {
	store      *config.Store
	dispatcher *dispatch.Dispatcher
	engine     *proxy.Engine
	certStore  *certs.Store
	acme       *certs.ACMEManager
	sup        *supervisor.Supervisor
	recorder   *stats.Recorder
	sessions   *session.Store
	api        *management.API

	mu      sync.Mutex
	domains []string
}

// New builds a Server from the store's current snapshot.
func New(store *config.Store, version string) (*Server, error) {
	snap := store.Current()
	if snap == nil || snap.Proxy == nil {
		return nil, fmt.Errorf("no configuration loaded")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	recorder, err := stats.NewRecorder(statsDir(snap), registry)
	if err != nil {
		return nil, err
	}

	dataDir := "data"
	if snap.Main != nil && snap.Main.Settings.DataDir != "" {
		dataDir = snap.Main.Settings.DataDir
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	sessions, err := session.Open(filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		return nil, err
	}

	s := &Server{
		store:    store,
		engine:   proxy.NewEngine(config.DefaultRequestTimeout),
		sup:      supervisor.New(),
		recorder: recorder,
		sessions: sessions,
		domains:  routeDomains(snap.Proxy),
	}

	certDir := certDirFor(snap)
	var challenge http.Handler
	var renewer certs.Renewer
	if snap.Proxy.LetsEncrypt.Email != "" {
		s.acme = certs.NewACMEManager(snap.Proxy.LetsEncrypt, certDir, s.domains, s.onCertObtained)
		challenge = s.acme.ChallengeHandler()
		renewer = s.acme
	}
	s.certStore = certs.NewStore(certDir, renewer)

	s.dispatcher = dispatch.New(s.engine, recorder, sessions, challenge)
	if err := s.dispatcher.Rebuild(snap); err != nil {
		sessions.Close()
		return nil, err
	}
	s.certStore.Load(s.domains)

	if err := s.sup.Apply(snap.Processes); err != nil {
		logging.Error("initial process reconcile incomplete", zap.Error(err))
	}

	s.api = management.New(store, s.sup, s.certStore, registry, version)
	return s, nil
}

// onCertObtained reloads certificate material after an ACME issuance.
func (s *Server) onCertObtained(domain string) {
	s.mu.Lock()
	domains := append([]string(nil), s.domains...)
	s.mu.Unlock()
	s.certStore.Load(domains)
}

// Run serves until a signal arrives or a listener fails, then shuts down
// gracefully. Supervised children are never killed on shutdown.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snap := s.store.Current()
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", snap.Proxy.Port),
		Handler:           s.dispatcher,
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", snap.Proxy.HTTPSPort),
		Handler:           s.dispatcher,
		TLSConfig:         s.certStore.TLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	mgmtSrv := &http.Server{
		Addr:              s.managementAddr(snap),
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("http listener started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http listener: %w", err)
		}
		return nil
	})
	if s.serveTLS(snap) {
		g.Go(func() error {
			logging.Info("https listener started", zap.String("addr", httpsSrv.Addr))
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("https listener: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		logging.Info("management listener started", zap.String("addr", mgmtSrv.Addr))
		if err := mgmtSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("management listener: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.watchReloads(ctx)
		return nil
	})
	g.Go(func() error {
		s.sweepSessions(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logging.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
		httpsSrv.Shutdown(shutdownCtx)
		mgmtSrv.Shutdown(shutdownCtx)
		return nil
	})

	err := g.Wait()

	s.sup.Shutdown()
	s.dispatcher.Close()
	s.engine.Close()
	s.recorder.Close()
	s.sessions.Close()
	logging.Sync()
	return err
}

// watchReloads applies published snapshots: routes, certificates, processes.
func (s *Server) watchReloads(ctx context.Context) {
	events := s.store.Subscribe(config.EventReloaded)
	failures := s.store.Subscribe(config.EventReloadError)

	for {
		select {
		case ev := <-events:
			s.applySnapshot(ev.Snapshot)
		case ev := <-failures:
			logging.Error("config reload rejected, keeping last good snapshot", zap.Error(ev.Err))
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) applySnapshot(snap *config.Snapshot) {
	if snap == nil {
		return
	}
	logging.Info("applying reloaded configuration",
		zap.Int("routes", len(snap.Proxy.Routes)),
		zap.Time("loadedAt", snap.LoadedAt),
	)

	if err := s.dispatcher.Rebuild(snap); err != nil {
		logging.Error("route rebuild failed, keeping previous plan", zap.Error(err))
		return
	}

	domains := routeDomains(snap.Proxy)
	s.mu.Lock()
	s.domains = domains
	s.mu.Unlock()
	s.certStore.Load(domains)

	if err := s.sup.Apply(snap.Processes); err != nil {
		logging.Error("process reconcile incomplete", zap.Error(err))
	}
}

func (s *Server) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.sessions.Sweep(); n > 0 {
				logging.Debug("expired sessions removed", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) serveTLS(snap *config.Snapshot) bool {
	if snap.Proxy.HTTPSPort <= 0 {
		return false
	}
	for _, rc := range snap.Proxy.Routes {
		if rc.SSL {
			return true
		}
	}
	return snap.Proxy.LetsEncrypt.Email != ""
}

func (s *Server) managementAddr(snap *config.Snapshot) string {
	host := ""
	port := snap.Proxy.Port + 1000
	if snap.Main != nil {
		if snap.Main.Management.Host != "" {
			host = snap.Main.Management.Host
		}
		if snap.Main.Management.Port > 0 {
			port = snap.Main.Management.Port
		}
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func statsDir(snap *config.Snapshot) string {
	if snap.Main == nil || !snap.Main.Settings.Statistics.Enabled {
		return ""
	}
	if dir := snap.Main.Settings.StatsDir; dir != "" {
		return dir
	}
	return "stats"
}

func certDirFor(snap *config.Snapshot) string {
	if snap.Proxy.LetsEncrypt.CertDir != "" {
		return snap.Proxy.LetsEncrypt.CertDir
	}
	if snap.Main != nil && snap.Main.Settings.CertificatesDir != "" {
		return snap.Main.Settings.CertificatesDir
	}
	return "certificates"
}

// routeDomains returns the unique routing domains in definition order.
func routeDomains(p *config.ProxyConfig) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rc := range p.Routes {
		d := rc.Domain
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}
