package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes decoded IPC messages.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message) (*Message, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *Message) (*Message, error) {
	return f(ctx, msg)
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath     string
	Version        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
}

// DefaultServerConfig returns server defaults rooted at dataDir.
func DefaultServerConfig(dataDir string) ServerConfig {
	return ServerConfig{
		SocketPath:     filepath.Join(dataDir, "wardend.sock"),
		Version:        "1.0.0",
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 32,
	}
}

// Server accepts control connections on a unix socket. The socket is
// created with owner-only permissions; possession of the socket is the
// authentication, as with any local control socket.
type Server struct {
	cfg     ServerConfig
	handler Handler
	log     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewServer creates a server with the given handler.
func NewServer(cfg ServerConfig, handler Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 32
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		log:     log,
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins listening on the socket.
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.cfg.SocketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("ipc server listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop shuts the server down and removes the socket file.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("ipc server shutdown timed out")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Warn("accept failed", "error", err)
				continue
			}
		}

		s.mu.Lock()
		if len(s.conns) >= s.cfg.MaxConnections {
			s.mu.Unlock()
			conn.Close()
			s.log.Warn("connection limit reached, dropping client")
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := ReadMessage(conn)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return
			}
			s.log.Debug("read message failed", "error", err)
			return
		}

		response := s.dispatch(msg)
		if response == nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := response.Write(conn); err != nil {
			s.log.Debug("write response failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(msg *Message) *Message {
	if msg.Header.Type == MsgPing {
		return NewMessage(MsgPong, msg.Header.RequestID, nil)
	}
	if s.handler == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler")
	}

	response, err := s.handler.HandleMessage(s.ctx, msg)
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
	}
	return response
}
