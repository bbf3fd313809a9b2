// Package server owns the TCP acceptor: listener, admission control,
// per-connection goroutines, and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/linechat/internal/chat"
	"github.com/adred-codev/linechat/internal/config"
	"github.com/adred-codev/linechat/internal/limits"
	"github.com/adred-codev/linechat/internal/metrics"
)

// acceptBackoff is the pause after a transient accept error so a bad
// listener does not spin the loop.
const acceptBackoff = 100 * time.Millisecond

// Server ties the acceptor to the broker and its room. One Server per
// process; connections share the single room.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	room    *chat.Room
	broker  *chat.Broker
	guard   *limits.ResourceGuard
	metrics *metrics.Registry

	// permits caps concurrent connections. Each accepted socket holds one
	// permit for its whole lifetime.
	permits chan struct{}

	// shutdown closes when Shutdown is called; every connection selects on
	// it.
	shutdown chan struct{}

	listener net.Listener
	msrv     *http.Server

	mu    sync.Mutex
	conns sync.WaitGroup
	done  bool
}

// New builds a server from configuration. The resource guard is optional;
// pass nil to skip the emergency-brake check.
func New(cfg *config.Config, guard *limits.ResourceGuard, reg *metrics.Registry, logger zerolog.Logger) *Server {
	room := chat.NewRoom(cfg.RoomBuffer)
	registry := chat.NewRegistry(logger)
	broker := chat.NewBroker(room, registry, logger)

	if reg != nil {
		broker.OnDispatch = func(sent int) {
			reg.MessagesDelivered.Add(float64(sent))
		}
		broker.OnForward = func(err error) {
			if err != nil {
				reg.RoomSendFailures.Inc()
				return
			}
			reg.MessagesForwarded.Inc()
		}
	}

	return &Server{
		cfg:      cfg,
		logger:   logger.With().Str("component", "server").Logger(),
		room:     room,
		broker:   broker,
		guard:    guard,
		metrics:  reg,
		permits:  make(chan struct{}, cfg.MaxConnections),
		shutdown: make(chan struct{}),
	}
}

// Broker returns the server's broker.
func (s *Server) Broker() *chat.Broker { return s.broker }

// Addr returns the bound listen address, or "" before ListenAndServe.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ListenAndServe binds the configured address and runs the accept loop
// until Shutdown. It returns nil on graceful shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve runs the accept loop on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		ln.Close()
		return errors.New("server already shut down")
	}
	s.listener = ln
	s.mu.Unlock()

	s.broker.StartDispatcher()
	s.startMetricsServer()

	s.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("room_id", s.room.ID()).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Server listening")

	for {
		if !s.acquirePermit() {
			return nil
		}

		conn, err := ln.Accept()
		if err != nil {
			s.releasePermit()
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if s.metrics != nil {
				s.metrics.AcceptErrors.Inc()
			}
			s.logger.Warn().Err(err).Msg("Accept failed")
			time.Sleep(acceptBackoff)
			continue
		}

		if s.guard != nil {
			if ok, reason := s.guard.ShouldAcceptConnection(); !ok {
				s.logger.Warn().
					Str("remote_addr", conn.RemoteAddr().String()).
					Str("reason", reason).
					Msg("Connection rejected by resource guard")
				if s.metrics != nil {
					s.metrics.ConnectionsRejected.Inc()
				}
				conn.Close()
				s.releasePermit()
				continue
			}
		}

		if s.metrics != nil {
			s.metrics.ConnectionsTotal.Inc()
			s.metrics.ConnectionsActive.Inc()
		}
		s.conns.Add(1)
		go s.handle(conn)
	}
}

// acquirePermit blocks until a connection slot is free or shutdown begins.
// At capacity it logs once and waits; new sockets sit in the kernel backlog
// until a slot opens.
func (s *Server) acquirePermit() bool {
	select {
	case s.permits <- struct{}{}:
		return true
	case <-s.shutdown:
		return false
	default:
	}

	s.logger.Warn().
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Connection limit reached, waiting for a free slot")
	select {
	case s.permits <- struct{}{}:
		return true
	case <-s.shutdown:
		return false
	}
}

func (s *Server) releasePermit() {
	<-s.permits
}

func (s *Server) handle(conn net.Conn) {
	defer func() {
		if s.metrics != nil {
			s.metrics.ConnectionsActive.Dec()
		}
		s.conns.Done()
		s.releasePermit()
	}()

	c := chat.NewConnection(conn, s.broker, s.shutdown, chat.ConnConfig{
		MessageRate:    s.cfg.MessageRate,
		MessageBurst:   s.cfg.MessageBurst,
		OutboundBuffer: s.cfg.OutboundBuffer,
	}, s.logger)
	c.Run()
}

// startMetricsServer exposes /metrics on its own listener. Scrapes must not
// contend with chat traffic on the main port.
func (s *Server) startMetricsServer() {
	if s.metrics == nil || s.cfg.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}

	s.mu.Lock()
	s.msrv = srv
	s.mu.Unlock()

	go func() {
		s.logger.Info().Str("addr", s.cfg.MetricsAddr).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// Shutdown stops accepting, unwinds every connection, and stops the
// dispatcher last so queued broadcasts still drain to connected users.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	ln := s.listener
	msrv := s.msrv
	s.mu.Unlock()

	s.logger.Info().Msg("Shutting down")
	close(s.shutdown)
	if ln != nil {
		ln.Close()
	}

	finished := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown deadline reached with connections still open")
	}

	s.broker.Shutdown()
	s.room.Close()

	if msrv != nil {
		if err := msrv.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}

	s.logger.Info().Msg("Shutdown complete")
	return ctx.Err()
}
