package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	"github.com/kinegraph/pulseferry/pkg/ferry/queue"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// HeartbeatSource reports the most recent companion heartbeat, if any.
type HeartbeatSource interface {
	LastHeartbeat() (model.Heartbeat, bool)
}

// Server is the relay's operator surface: pipeline state as JSON, a health
// probe and the Prometheus registry.
type Server struct {
	addr     string
	repo     Repository
	pending  *queue.Queue
	agent    HeartbeatSource
	registry *prometheus.Registry

	httpSrv  *http.Server
	listener net.Listener
}

// NewServer creates the status server.
//
// Parameters:
//
//	cfg: The application configuration (status listen address).
//	repo: The delivery outcome repository.
//	pending: The pending queue whose depths are reported.
//	agent: The source of the last companion heartbeat. May be nil.
//	registry: The Prometheus registry served under /metrics.
//
// Returns:
//
//	A pointer to the Server.
func NewServer(cfg *config.Config, repo Repository, pending *queue.Queue, agent HeartbeatSource,
	registry *prometheus.Registry) *Server {
	return &Server{
		addr:     cfg.Pulseferry.Status.Listen,
		repo:     repo,
		pending:  pending,
		agent:    agent,
		registry: registry,
	}
}

// Start binds the listen address and serves until Stop.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return exception.NewPipelineError(moduleName, "failed to bind status listener on "+s.addr, err, false)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if serveErr := s.httpSrv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Errorf("Status server stopped unexpectedly: %v", serveErr)
		}
	}()

	logger.Infof("Status server listening on %s.", ln.Addr())
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

type agentStatus struct {
	Mode        string `json:"mode"`
	LastSeenMs  int64  `json:"last_seen_ms"`
	UptimeMs    int64  `json:"uptime_ms"`
	PauseReason string `json:"pause_reason,omitempty"`
}

type statusPayload struct {
	Pending      int            `json:"pending"`
	DeadLettered int            `json:"dead_lettered"`
	Delivery     []DeliveryStat `json:"delivery"`
	Agent        *agentStatus   `json:"agent,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload := statusPayload{Delivery: []DeliveryStat{}}

	depth, err := s.pending.Depth()
	if err != nil {
		logger.Errorf("Status request could not read the pending depth: %v", err)
		http.Error(w, "queue unavailable", http.StatusInternalServerError)
		return
	}
	payload.Pending = depth

	dlq, err := s.pending.DeadLetterDepth()
	if err != nil {
		logger.Errorf("Status request could not read the dead-letter depth: %v", err)
		http.Error(w, "queue unavailable", http.StatusInternalServerError)
		return
	}
	payload.DeadLettered = dlq

	stats, err := s.repo.Snapshot(ctx)
	if err != nil {
		logger.Errorf("Status request could not load delivery statistics: %v", err)
		http.Error(w, "statistics unavailable", http.StatusInternalServerError)
		return
	}
	if stats != nil {
		payload.Delivery = stats
	}

	if s.agent != nil {
		if hb, ok := s.agent.LastHeartbeat(); ok {
			payload.Agent = &agentStatus{
				Mode:        hb.Mode.String(),
				LastSeenMs:  hb.Timestamp,
				UptimeMs:    hb.UptimeMs,
				PauseReason: hb.Extra["pause_reason"],
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warnf("Failed to write the status payload: %v", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}
