package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/kinegraph/pulseferry/pkg/ferry/assembly"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/config"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/metrics"
	"github.com/kinegraph/pulseferry/pkg/ferry/core/model"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/exception"
	"github.com/kinegraph/pulseferry/pkg/ferry/support/util/logger"
)

// Server is the relay-side companion-link listener. Received chunks feed the
// assembly store; each chunk frame is answered with the assembly outcome so
// the agent knows when a batch is safely persisted.
type Server struct {
	addr     string
	store    *assembly.Store
	recorder metrics.MetricRecorder

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	runCtx   context.Context
	cancel   context.CancelFunc

	lastHeartbeat atomic.Value // model.Heartbeat
}

// NewServer creates the companion-link server.
//
// Parameters:
//
//	cfg: The application configuration (listen address).
//	store: The assembly store receiving chunks.
//	recorder: The MetricRecorder for chunk arrivals.
//
// Returns:
//
//	A pointer to the Server.
func NewServer(cfg *config.Config, store *assembly.Store, recorder metrics.MetricRecorder) *Server {
	return &Server{
		addr:     cfg.Pulseferry.Transport.Listen,
		store:    store,
		recorder: recorder,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting companion connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return exception.NewPipelineError(moduleName, "failed to bind companion listener on "+s.addr, err, false)
	}

	s.mu.Lock()
	s.listener = ln
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	logger.Infof("Companion link listening on %s.", ln.Addr())
	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// per-connection goroutines to drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	logger.Infof("Companion link stopped.")
	return nil
}

// Addr returns the bound listener address. It is empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// LastHeartbeat returns the most recent heartbeat received from the agent.
func (s *Server) LastHeartbeat() (model.Heartbeat, bool) {
	hb, ok := s.lastHeartbeat.Load().(model.Heartbeat)
	return hb, ok
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Errorf("Companion listener failed: %v", err)
			}
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn consumes frames from one agent connection until it closes or a
// frame cannot be read or answered.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	logger.Infof("Companion connected from %s.", conn.RemoteAddr())
	for {
		var env envelope
		if err := readFrame(conn, &env); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warnf("Companion connection from %s broke: %v", conn.RemoteAddr(), err)
			}
			return
		}

		switch env.Kind {
		case kindChunk:
			if err := s.handleChunk(conn, env.Chunk); err != nil {
				logger.Warnf("Failed to confirm chunk to %s, dropping the connection: %v", conn.RemoteAddr(), err)
				return
			}
		case kindHeartbeat:
			s.handleHeartbeat(env.Heartbeat)
		case kindDiagnostic:
			s.handleDiagnostic(env.Diagnostic)
		default:
			logger.Warnf("Ignoring companion frame of unknown kind %q.", env.Kind)
		}
	}
}

// handleChunk feeds one chunk into the assembly store and answers with the
// outcome. The reply write is the batch's delivery confirmation path, so a
// failed write severs the connection and forces the agent to retransmit.
func (s *Server) handleChunk(conn net.Conn, chunk *model.Chunk) error {
	if chunk == nil {
		return writeFrame(conn, reply{Status: statusFailed, Error: "chunk frame carries no chunk"})
	}

	s.recorder.RecordChunkReceived(s.runCtx, chunk.Compression.String())
	out := s.store.AddChunk(s.runCtx, *chunk)

	rep := reply{}
	switch out.Kind {
	case assembly.OutcomeCompleted:
		rep.Status = statusCompleted
	case assembly.OutcomeFailed:
		rep.Status = statusFailed
		rep.Retryable = exception.IsTemporary(out.Err)
		if out.Err != nil {
			rep.Error = out.Err.Error()
		}
	default:
		rep.Status = statusAccepted
	}
	return writeFrame(conn, rep)
}

func (s *Server) handleHeartbeat(hb *model.Heartbeat) {
	if hb == nil {
		logger.Warnf("Ignoring heartbeat frame without a payload.")
		return
	}
	s.lastHeartbeat.Store(*hb)
	logger.Debugf("Agent heartbeat: mode=%s uptime=%dms.", hb.Mode, hb.UptimeMs)
}

func (s *Server) handleDiagnostic(d *diagnostic) {
	if d == nil {
		logger.Warnf("Ignoring diagnostic frame without a payload.")
		return
	}
	logger.Infof("Agent diagnostic %s: %v", d.Kind, d.Fields)
}
