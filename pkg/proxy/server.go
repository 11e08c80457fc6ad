// Package proxy implements the SOCKS5 proxy server: the TCP acceptor, the
// per-connection protocol handler, the bidirectional tunnel and the UDP
// relay. It follows RFC 1928 restricted to the NO AUTHENTICATION REQUIRED
// method, supporting CONNECT and UDP ASSOCIATE.
package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"socks5proxy/pkg/config"
	"socks5proxy/pkg/dnscache"
	"socks5proxy/pkg/names"
)

const (
	// acceptBackoff is the pause after a persistent accept failure.
	acceptBackoff = 1 * time.Second

	// shutdownGrace bounds the wait for in-flight handlers on shutdown.
	shutdownGrace = 10 * time.Second
)

// Server accepts client connections and spawns a handler per connection.
// It tracks live connections so shutdown can close stragglers.
type Server struct {
	addr     string
	listenIP net.IP
	names    *names.Resolver
	cache    *dnscache.Cache

	listener net.Listener
	conns    sync.Map // uuid.UUID -> net.Conn
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// New creates a server for the given configuration. The resolver decorates
// logged endpoints and may not be nil.
func New(cfg *config.Config, resolver *names.Resolver) *Server {
	return &Server{
		addr:     cfg.ListenAddr(),
		listenIP: cfg.ListenIP(),
		names:    resolver,
		cache:    dnscache.New(dnscache.DefaultSize, dnscache.DefaultTTL),
		logger:   log.With().Str("listen", cfg.ListenAddr()).Logger(),
	}
}

// Listen binds the TCP listener. Failure to bind is fatal for the caller.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info().Msg("listening")
	return nil
}

// Addr returns the bound listen endpoint. Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is canceled, then runs the shutdown
// protocol: stop the listener, wait for handlers within a bounded grace,
// force-close whatever remains.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break // Exit quietly on shutdown
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			time.Sleep(acceptBackoff)
			continue
		}
		s.spawn(ctx, conn)
	}

	s.shutdown()
	return nil
}

// spawn registers the connection and runs its handler in a goroutine.
// The handler removes itself from the registry on exit; a panic inside a
// handler is logged and never terminates the process.
func (s *Server) spawn(ctx context.Context, conn net.Conn) {
	id := uuid.New()
	s.conns.Store(id, conn)
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer s.conns.Delete(id)
		defer conn.Close()
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error().
					Str("conn_id", id.String()).
					Interface("panic", p).
					Msg("handler panicked")
			}
		}()

		h := &handler{
			id:     id,
			conn:   conn,
			server: s,
			logger: s.logger.With().
				Str("conn_id", id.String()).
				Str("client", conn.RemoteAddr().String()+s.names.SuffixAddr(conn.RemoteAddr())).
				Logger(),
		}
		h.serve(ctx)
	}()
}

// recoverPanic converts a panic in a connection subtask into a logged
// error so it never terminates the process.
func recoverPanic(logger zerolog.Logger) {
	if p := recover(); p != nil {
		logger.Error().Interface("panic", p).Msg("task panicked")
	}
}

// shutdown waits for registered handlers, then closes any socket still
// open once the grace expires.
func (s *Server) shutdown() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.logger.Warn().Msg("shutdown grace expired, closing remaining connections")
		s.conns.Range(func(_, value any) bool {
			value.(net.Conn).Close()
			return true
		})
		<-done
	}
	s.logger.Info().Msg("server stopped")
}
