// Package dashboard serves live sync status over WebSocket and HTTP.
//
// Every status event published by the engine is pushed to connected
// WebSocket clients, followed by a fresh stats message. Plain HTTP endpoints
// expose the same state for scripts and health checks.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/mschirtzinger/shopsync/internal/engine"
	"github.com/mschirtzinger/shopsync/internal/schema"
	"github.com/mschirtzinger/shopsync/internal/status"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeStatus carries one engine status event
	MessageTypeStatus MessageType = "status"

	// MessageTypeStats carries an engine stats snapshot
	MessageTypeStats MessageType = "stats"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Source is the engine surface the dashboard reads from.
type Source interface {
	Stats() engine.Stats
	Queue() []*schema.PendingChange
	ForceSync(ctx context.Context) error
	Subscribe(buffer int) (<-chan status.Event, func())
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	src      Source
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// Config holds server configuration
type Config struct {
	// Host to bind (default: all interfaces)
	Host string

	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// SyncTimeout bounds POST /sync (default: 30s)
	SyncTimeout time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:        8080,
		SyncTimeout: 30 * time.Second,
	}
}

// NewServer creates a new dashboard server reading from src
func NewServer(src Source, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := config.SyncTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().SyncTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		src:       src,
		addr:      net.JoinHostPort(config.Host, fmt.Sprint(config.Port)),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.Named("dashboard"),
	}
	s.server = &http.Server{
		Handler:      s.routes(timeout),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: timeout + 10*time.Second,
	}
	return s
}

// Start begins the HTTP server, the broadcast loop and the status relay
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	events, unsubscribe := s.src.Subscribe(64)

	s.wg.Add(3)
	go s.broadcastLoop()
	go s.relay(events, unsubscribe)
	go func() {
		defer s.wg.Done()
		s.logger.Info("Dashboard listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Info("Dashboard stopped")
	return nil
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("Broadcast channel full, dropping message", zap.String("type", string(msg.Type)))
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("Failed to marshal message", zap.Error(err))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Written outside the lock so a slow client cannot stall registration
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Debug("Failed to send to client", zap.Error(err))
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Debug("Client connected", zap.Int("clients", clientCount))

	if welcome, err := s.statsMessage(); err == nil {
		data, _ := json.Marshal(welcome)
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection open until the client goes away.
// Client messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("Client disconnected", zap.Int("clients", clientCount))
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
