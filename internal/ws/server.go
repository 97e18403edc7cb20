package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bingosuite/idews/config"
)

// Server is the IDE end of the crash hand-off: it accepts monitor
// connections and acknowledges their crash events.
type Server struct {
	config   config.ServerConfig
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu   sync.RWMutex
	addr *net.TCPAddr
}

func NewServer(cfg config.ServerConfig, logger *zap.Logger, responder Responder) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	logger = logger.Named("server")
	return &Server{
		config: cfg,
		hub:    NewHub(responder, logger.Named("hub")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run binds the listener, reports the bound port on ready (if non-nil) and
// serves until ctx is cancelled. ready should be buffered or actively read.
func (s *Server) Run(ctx context.Context, ready chan<- int) error {
	listener, err := net.Listen("tcp", net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen on %s:%d: %w", s.config.Host, s.config.Port, err)
	}

	addr := listener.Addr().(*net.TCPAddr)
	s.mu.Lock()
	s.addr = addr
	s.mu.Unlock()

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	httpServer := &http.Server{Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()
	s.logger.Info("IDE WebSocket server listening", zap.String("url", s.URL()))

	if ready != nil {
		select {
		case ready <- addr.Port:
		case <-ctx.Done():
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	// Close the listener; upgraded connections are owned by the hub.
	if err := httpServer.Close(); err != nil {
		s.logger.Warn("Failed to close listener", zap.Error(err))
	}
	stopHub()
	<-s.hub.Done()

	s.logger.Info("IDE WebSocket server stopped", zap.Int64("acknowledged", s.hub.Acknowledged()))
	return runErr
}

// Port is the bound port, or 0 before Run has bound the listener.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return 0
	}
	return s.addr.Port
}

// URL is the address monitors should be pointed at, e.g. ws://127.0.0.1:41234.
func (s *Server) URL() string {
	host := net.JoinHostPort(s.config.Host, strconv.Itoa(s.Port()))
	if s.config.Path == "/" {
		return "ws://" + host
	}
	return "ws://" + host + s.config.Path
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	c := NewConnection(conn, s.hub, uuid.New().String(), r.RemoteAddr, s.logger)
	if !s.hub.Register(c) {
		_ = conn.Close()
		return
	}

	go c.WritePump()
	go c.ReadPump()
}
