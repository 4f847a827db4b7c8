// Package websocket provides a small WebSocket server used to fan decrypted
// Matrix events out to local, out-of-process subscribers (the same events
// that in-process Go callers receive over a channel from pkg/eventbus).
package websocket

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageHandler handles an incoming message from a connection.
type MessageHandler func(connID string, message []byte) error

// ConnectHandler is called once a connection completes its handshake.
type ConnectHandler func(connID string, conn interface{}) error

// DisconnectHandler is called once a connection is torn down.
type DisconnectHandler func(connID string)

// Config holds WebSocket server configuration.
type Config struct {
	Addr              string
	Path              string
	AllowedOrigins    []string
	MaxConnections    int
	InactivityTimeout time.Duration
	MessageHandler    MessageHandler
	ConnectHandler    ConnectHandler
	DisconnectHandler DisconnectHandler
}

type conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	lastSeen time.Time
	mu       sync.RWMutex
}

// Server is a gorilla/websocket-backed server that accepts connections on a
// single path and lets callers broadcast to, or address, individual
// connections by an opaque connection ID.
type Server struct {
	config   Config
	addr     string
	upgrader websocket.Upgrader

	httpSrv  *http.Server
	listener net.Listener

	mu      sync.RWMutex
	conns   map[string]*conn
	nextID  int64
	idMu    sync.Mutex
}

// NewServer creates a new WebSocket server. It does not start listening
// until Start is called.
func NewServer(cfg Config) *Server {
	if cfg.Path == "" {
		cfg.Path = "/events"
	}

	s := &Server{
		config: cfg,
		addr:   cfg.Addr,
		conns:  make(map[string]*conn),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Start begins listening and accepting WebSocket connections in the
// background. It returns once the listener is bound.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleUpgrade)

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("websocket: listen on %s: %w", s.config.Addr, err)
	}

	s.listener = listener
	s.addr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		_ = s.httpSrv.Serve(listener)
	}()

	return nil
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() error {
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.conns {
		_ = c.ws.Close()
		delete(s.conns, id)
	}

	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Path returns the upgrade path.
func (s *Server) Path() string {
	return s.config.Path
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	full := s.config.MaxConnections > 0 && len(s.conns) >= s.config.MaxConnections
	s.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	connID := s.newConnID()
	c := &conn{ws: ws, lastSeen: time.Now()}

	s.mu.Lock()
	s.conns[connID] = c
	s.mu.Unlock()

	if s.config.ConnectHandler != nil {
		if err := s.config.ConnectHandler(connID, ws); err != nil {
			s.dropConn(connID)
			_ = ws.Close()
			return
		}
	}

	s.readLoop(connID, c)
}

func (s *Server) newConnID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.nextID++
	return fmt.Sprintf("ws-%d", s.nextID)
}

func (s *Server) readLoop(connID string, c *conn) {
	defer func() {
		s.dropConn(connID)
		_ = c.ws.Close()
		if s.config.DisconnectHandler != nil {
			s.config.DisconnectHandler(connID)
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		c.mu.Lock()
		c.lastSeen = time.Now()
		c.mu.Unlock()

		if s.config.MessageHandler != nil {
			if err := s.config.MessageHandler(connID, data); err != nil {
				return
			}
		}
	}
}

func (s *Server) dropConn(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, connID)
}

// Send writes data to a single connection identified by connID.
func (s *Server) Send(connID string, data []byte) error {
	s.mu.RLock()
	c, ok := s.conns[connID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("websocket: connection %q not found", connID)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Broadcast writes data to every currently open connection, collecting and
// returning the first write error encountered (if any) after attempting
// every connection.
func (s *Server) Broadcast(data []byte) error {
	s.mu.RLock()
	targets := make(map[string]*conn, len(s.conns))
	for id, c := range s.conns {
		targets[id] = c
	}
	s.mu.RUnlock()

	var firstErr error
	for id, c := range targets {
		c.writeMu.Lock()
		err := c.ws.WriteMessage(websocket.TextMessage, data)
		c.writeMu.Unlock()
		if err != nil {
			s.dropConn(id)
			if firstErr == nil {
				firstErr = fmt.Errorf("websocket: broadcast to %s: %w", id, err)
			}
		}
	}

	return firstErr
}

// ConnCount returns the number of currently open connections.
func (s *Server) ConnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
