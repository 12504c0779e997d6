package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bidfabric/bidfabric/internal/log"
)

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	handler  *Handler
	server   *http.Server
	listener net.Listener
	port     int
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., ":8080" or "localhost:0").
	Addr    string
	Handler HandlerConfig
	// ReadTimeout bounds reading the entire request. Default 30s.
	ReadTimeout time.Duration
}

// NewServer creates the API server. Port 0 lets the OS assign one; use
// Port() after construction.
func NewServer(cfg ServerConfig) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	handler := NewHandler(cfg.Handler)
	return &Server{
		handler:  handler,
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler:           handler.Routes(),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			// No write timeout: SSE connections stay open indefinitely.
		},
	}, nil
}

// Start serves requests. Blocks until the server stops or fails.
func (s *Server) Start() error {
	log.Info(log.CatAPI, "api server listening", "addr", s.listener.Addr().String())
	err := s.server.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatAPI, "api server stopping")
	return s.server.Shutdown(ctx)
}

// Port returns the bound port, useful when Addr used port 0.
func (s *Server) Port() int {
	return s.port
}
