// Package management exposes the operator API: status, process control, and
// prometheus metrics, on its own listener away from proxied traffic.
package management

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/turpault/proxy/internal/certs"
	"github.com/turpault/proxy/internal/config"
	"github.com/turpault/proxy/internal/logging"
	"github.com/turpault/proxy/internal/supervisor"
)

// API serves the management endpoints.
type API struct {
	store     *config.Store
	sup       *supervisor.Supervisor
	certStore *certs.Store
	gatherer  prometheus.Gatherer
	version   string
	startTime time.Time
}

// New creates the management API. certStore may be nil when TLS is disabled.
func New(store *config.Store, sup *supervisor.Supervisor, certStore *certs.Store, gatherer prometheus.Gatherer, version string) *API {
	return &API{
		store:     store,
		sup:       sup,
		certStore: certStore,
		gatherer:  gatherer,
		version:   version,
		startTime: time.Now(),
	}
}

// Handler returns the management mux.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/processes", a.handleProcesses)
	mux.HandleFunc("POST /api/processes/{id}/stop", a.handleProcessStop)
	mux.HandleFunc("POST /api/processes/{id}/restart", a.handleProcessRestart)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	return mux
}

type certStatus struct {
	Domain   string    `json:"domain"`
	NotAfter time.Time `json:"notAfter"`
	Valid    bool      `json:"valid"`
}

type statusResponse struct {
	Version       string              `json:"version"`
	UptimeSeconds int64               `json:"uptimeSeconds"`
	ConfigLoaded  time.Time           `json:"configLoadedAt"`
	Routes        int                 `json:"routes"`
	Certificates  []certStatus        `json:"certificates,omitempty"`
	Processes     []supervisor.Status `json:"processes"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := a.store.Current()

	resp := statusResponse{
		Version:       a.version,
		UptimeSeconds: int64(time.Since(a.startTime).Seconds()),
		Processes:     a.sup.Statuses(),
	}
	if snap != nil {
		resp.ConfigLoaded = snap.LoadedAt
		resp.Routes = len(snap.Proxy.Routes)
	}
	if a.certStore != nil {
		for _, e := range a.certStore.Entries() {
			resp.Certificates = append(resp.Certificates, certStatus{
				Domain:   e.Domain,
				NotAfter: e.NotAfter,
				Valid:    e.Valid(),
			})
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.sup.Statuses())
}

func (a *API) handleProcessStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.sup.Stop(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	logging.Info("process detached via management api", zap.String("process", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
}

func (a *API) handleProcessRestart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.sup.ForceRestart(id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	logging.Info("process restarted via management api", zap.String("process", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted", "id": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
