package directory

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/anemochory/relay/internal/logging"
	"github.com/anemochory/relay/internal/metrics"
	"github.com/anemochory/relay/pkg/routing"
)

// Server exposes a NodePool over HTTP for node registration, heartbeat,
// and path-building clients.
type Server struct {
	pool    *routing.NodePool
	log     *logging.Logger
	metrics *metrics.PrometheusMetrics
	mux     *http.ServeMux
}

// NewServer builds a directory HTTP server backed by pool.
func NewServer(pool *routing.NodePool, log *logging.Logger, m *metrics.PrometheusMetrics) *Server {
	s := &Server{
		pool:    pool,
		log:     log.WithComponent("directory-server"),
		metrics: m,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/nodes", s.handleListNodes)
	s.mux.HandleFunc("/nodes/register", s.handleRegister)
	s.mux.HandleFunc("/nodes/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("/nodes/", s.handleUnregister)
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	if s.metrics != nil {
		s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, http.StatusText(rec.status), time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	role := routing.NodeRole(r.URL.Query().Get("role"))
	nodes := s.pool.ListOnline(role)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Nodes []routing.NodeInfo `json:"nodes"`
	}{Nodes: nodes})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var info routing.NodeInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		http.Error(w, "invalid node info", http.StatusBadRequest)
		return
	}
	if info.ID == "" || info.Address == "" {
		http.Error(w, "id and address are required", http.StatusBadRequest)
		return
	}

	s.pool.Register(info)
	s.log.Info().Str("node_id", info.ID).Str("address", info.Address).Msg("node registered")
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var update struct {
		ID        string `json:"id"`
		Bandwidth int64  `json:"bandwidth"`
	}
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "invalid heartbeat", http.StatusBadRequest)
		return
	}

	if !s.pool.Heartbeat(update.ID, update.Bandwidth) {
		http.Error(w, "unknown node", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodeID := r.URL.Path[len("/nodes/"):]
	if nodeID == "" {
		http.Error(w, "node id required", http.StatusBadRequest)
		return
	}

	s.pool.Unregister(nodeID)
	s.log.Info().Str("node_id", nodeID).Msg("node unregistered")
	w.WriteHeader(http.StatusOK)
}
