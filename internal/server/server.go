// Package server implements PgDog's top-level TCP accept loop: it owns
// the listening socket and hands each accepted connection to
// internal/session.Handler. Adapted from the teacher's
// internal/proxy/server.go, dropping its MySQL listener/handler branch
// since this module is Postgres-only.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/pgdog/pgdog-core/internal/session"
)

// Server owns the PostgreSQL listener and dispatches accepted
// connections to a session.Handler.
type Server struct {
	handler *session.Handler
	log     *slog.Logger

	listener net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds a Server around an already-wired session.Handler.
func NewServer(handler *session.Handler, log *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler: handler,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen starts the PostgreSQL proxy listener on port and begins
// accepting connections in a background goroutine.
func (s *Server) Listen(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listening on %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info("postgres listener started", "addr", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()

	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Error("accept error", "error", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.handler.Handle(s.ctx, conn); err != nil {
				s.log.Warn("connection closed with error", "error", err)
			}
		}()
	}
}

// Stop closes the listener and waits for in-flight connections' handler
// goroutines to return.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.log.Info("server stopped")
}

// loadTLSConfig builds a server-side tls.Config from a certificate/key
// pair, mirroring the teacher's inline TLS setup in proxy.NewServer.
func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("server: loading TLS cert/key: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadTLSConfig is the exported form of loadTLSConfig, used by cmd/pgdog
// to populate session.Handler.TLSConfig when the listen config enables TLS.
func LoadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	return loadTLSConfig(certFile, keyFile)
}
