// Package health provides the health check and metrics HTTP endpoints of an alpd node.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsProvider provides node statistics.
type StatsProvider interface {
	// IsRunning returns true if the node is running.
	IsRunning() bool

	// Stats returns node statistics.
	Stats() Stats
}

// FileTableProvider lists the D7A file table. A StatsProvider that also
// implements it enables /files.
type FileTableProvider interface {
	FileTable() ([]File, error)
}

// File is one entry of /files.
type File struct {
	ID               uint8  `json:"id"`
	Name             string `json:"name,omitempty"`
	StorageClass     string `json:"storage_class"`
	Backend          string `json:"backend"`
	Length           uint32 `json:"length"`
	AllocatedLength  uint32 `json:"allocated_length"`
	Permissions      uint8  `json:"permissions"`
	ActionEnabled    bool   `json:"action_enabled"`
	ALPCommandFileID uint8  `json:"alp_command_file_id"`
	InterfaceFileID  uint8  `json:"interface_file_id"`
}

// Stats contains node health statistics.
type Stats struct {
	ActiveCommands  int    `json:"active_commands"`
	CommandCapacity int    `json:"command_capacity"`
	FileCount       int    `json:"file_count"`
	Interface       string `json:"interface"`
	LoRaWANJoined   bool   `json:"lorawan_joined"`
	HostClients     int    `json:"host_clients"`
	StorageBackend  string `json:"storage_backend"`
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration

	// Gatherer serves /metrics. Defaults to the process-wide registry.
	Gatherer prometheus.Gatherer
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", getOnly(s.handleHealth))
	mux.HandleFunc("/healthz", getOnly(s.handleHealthz))
	mux.HandleFunc("/ready", getOnly(s.handleReady))
	mux.HandleFunc("/files", getOnly(s.handleFiles))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// pprof debug endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	w.Write([]byte(body))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) nodeUp() bool {
	return s.provider != nil && s.provider.IsRunning()
}

// handleHealth returns 200 while the server responds.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "OK\n")
}

// handleHealthz returns the node stats, or 503 when the node is down.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.nodeUp() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Status  string `json:"status"`
		Running bool   `json:"running"`
		Stats
	}{"healthy", true, s.provider.Stats()})
}

// handleReady returns 200 once the node accepts commands.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.nodeUp() {
		writeText(w, http.StatusServiceUnavailable, "NOT READY\n")
		return
	}
	writeText(w, http.StatusOK, "READY\n")
}

// handleFiles lists the file table.
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	ft, ok := s.provider.(FileTableProvider)
	if !ok {
		http.Error(w, "file table not available", http.StatusNotFound)
		return
	}
	files, err := ft.FileTable()
	if err != nil {
		http.Error(w, "read file table: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if files == nil {
		files = []File{}
	}
	writeJSON(w, http.StatusOK, files)
}
