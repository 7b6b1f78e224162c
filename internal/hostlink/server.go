// Package hostlink carries ALP commands and host output over websockets.
// Every binary message from a client is one ALP command; host output is
// broadcast to every connected client.
package hostlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/alpd/internal/logging"
	"github.com/postalsys/alpd/internal/metrics"
	"github.com/postalsys/alpd/internal/recovery"
)

// Defaults
const (
	DefaultPath      = "/alp"
	DefaultReadLimit = 4096

	sendQueueSize = 32
	writeTimeout  = 5 * time.Second
)

// ErrAlreadyRunning is returned by Start on a running server.
var ErrAlreadyRunning = errors.New("hostlink server already running")

// SubmitFunc processes one ALP command from a host client.
type SubmitFunc func(ctx context.Context, cmd []byte) error

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address to listen on (e.g. "127.0.0.1:7700")
	Address string

	// Path for the websocket upgrade (default: "/alp")
	Path string

	// ReadLimit bounds a single inbound message.
	ReadLimit int64

	Submit  SubmitFunc
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server accepts host clients.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	server *http.Server
	addr   net.Addr

	mu      sync.Mutex
	clients map[*client]struct{}

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
}

// NewServer creates a Server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	return &Server{
		cfg:     cfg,
		logger:  logging.Component(cfg.Logger, "hostlink"),
		clients: make(map[*client]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Handler returns the websocket upgrade handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	return mux
}

// Start listens on the configured address.
func (s *Server) Start() error {
	if s.running.Load() {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.addr = ln.Addr()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer recovery.RecoverWithLog(s.logger, "hostlink.Server.serve")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("hostlink server stopped", logging.KeyError, err)
		}
	}()

	s.logger.Info("hostlink listening", "address", s.addr.String(), "path", s.cfg.Path)
	return nil
}

// Stop closes every client and the listener.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	close(s.stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)

	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr { return s.addr }

// IsRunning reports whether the server is started.
func (s *Server) IsRunning() bool { return s.running.Load() }

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// OutputALP broadcasts data to every client. A client whose queue is full
// misses the message.
func (s *Server) OutputALP(data []byte) error {
	msg := append([]byte(nil), data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			s.logger.Warn("hostlink client too slow, output dropped", logging.KeyClient, c.id)
		}
	}
	s.cfg.Metrics.RecordHostOutput("hostlink", len(data))
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", logging.KeyError, err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	c := &client{conn: conn, send: make(chan []byte, sendQueueSize), id: r.RemoteAddr}
	s.add(c)
	defer s.remove(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer recovery.RecoverWithLog(s.logger, "hostlink.client.write")
		s.writeLoop(ctx, c)
	}()

	s.readLoop(ctx, c)
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				s.logger.Debug("hostlink read ended", logging.KeyClient, c.id, logging.KeyError, err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			c.conn.Close(websocket.StatusUnsupportedData, "binary messages only")
			return
		}
		if s.cfg.Submit == nil {
			continue
		}
		if err := s.cfg.Submit(ctx, data); err != nil {
			s.logger.Warn("host command failed", logging.KeyClient, c.id, logging.KeyError, err)
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageBinary, msg)
			cancel()
			if err != nil {
				s.logger.Debug("hostlink write failed", logging.KeyClient, c.id, logging.KeyError, err)
				return
			}
		}
	}
}

func (s *Server) add(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.cfg.Metrics.RecordHostlinkConnect()
	s.logger.Info("hostlink client connected", logging.KeyClient, c.id)
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.conn.Close(websocket.StatusNormalClosure, "")
	s.cfg.Metrics.RecordHostlinkDisconnect()
	s.logger.Info("hostlink client disconnected", logging.KeyClient, c.id)
}
