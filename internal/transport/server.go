// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	alog "github.com/aadk-dev/platform/internal/log"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	pongWait               = 60 * time.Second
	pingPeriod             = 30 * time.Second
)

// Handler answers one request/response RPC call.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// StreamHandler answers one streaming call (StreamJobEvents,
// StreamRunEvents, StreamLogcat). It sends JSON-marshalable values on
// the returned channel until the channel is closed or ctx is
// cancelled, at which point a final StreamDone message is emitted.
type StreamHandler func(ctx context.Context, params json.RawMessage) (<-chan any, error)

// ServerConfig configures one websocket RPC server. Set Addr for a
// fixed listen address (service listen addresses default to fixed
// localhost ports); leave it empty to scan PortRange instead (used by
// CLI-facing/ephemeral servers).
type ServerConfig struct {
	Addr            string
	PortRange       [2]int
	ShutdownTimeout time.Duration
	Validator       *TokenValidator
	Logger          *slog.Logger
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Addr == "" && c.PortRange[0] == 0 && c.PortRange[1] == 0 {
		c.PortRange = [2]int{9876, 9899}
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server frames every service's RPC surface over one websocket
// connection per client, dispatching by Message.Method.
type Server struct {
	config ServerConfig
	logger *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	port       int
	closed     bool

	upgrader websocket.Upgrader

	handlers      map[string]Handler
	streamHandlers map[string]StreamHandler

	connMu      sync.Mutex
	connections map[*serverConn]struct{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *serverConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// NewServer builds a Server. config.Validator may be nil to run
// without auth (local loopback daemon use; token auth is only
// required for non-loopback listeners).
func NewServer(config ServerConfig) *Server {
	config = config.withDefaults()
	return &Server{
		config:        config,
		logger:        alog.WithComponent(config.Logger, "transport"),
		upgrader:      websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		handlers:      make(map[string]Handler),
		streamHandlers: make(map[string]StreamHandler),
		connections:   make(map[*serverConn]struct{}),
		shutdownCh:    make(chan struct{}),
	}
}

// RegisterHandler binds a request/response method.
func (s *Server) RegisterHandler(method string, h Handler) {
	s.handlers[method] = h
}

// RegisterStream binds a streaming method (e.g. StreamJobEvents).
func (s *Server) RegisterStream(method string, h StreamHandler) {
	s.streamHandlers[method] = h
}

// Start binds config.Addr, or else the first available port in
// config.PortRange, serves /health and /ws, and returns the bound port.
func (s *Server) Start(ctx context.Context) (int, error) {
	var listener net.Listener
	var port int
	if s.config.Addr != "" {
		l, err := net.Listen("tcp", s.config.Addr)
		if err != nil {
			return 0, fmt.Errorf("transport: listen on %s: %w", s.config.Addr, err)
		}
		listener = l
		if tcpAddr, ok := l.Addr().(*net.TCPAddr); ok {
			port = tcpAddr.Port
		}
	} else {
		l, p, err := findAvailablePort(s.config.PortRange)
		if err != nil {
			return 0, err
		}
		listener, port = l, p
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.mu.Lock()
	s.listener = listener
	s.port = port
	s.httpServer = &http.Server{Handler: mux}
	s.mu.Unlock()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("transport server exited", "error", err)
		}
	}()

	fmt.Printf("AADK_TRANSPORT_PORT=%d\n", port)
	s.logger.Info("transport server listening", "port", port)
	return port, nil
}

func findAvailablePort(portRange [2]int) (net.Listener, int, error) {
	for p := portRange[0]; p <= portRange[1]; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err == nil {
			return l, p, nil
		}
	}
	return nil, 0, fmt.Errorf("transport: no available port in range %d-%d", portRange[0], portRange[1])
}

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.connMu.Lock()
	n := len(s.connections)
	s.connMu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "connections": n})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.config.Validator != nil {
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
				token = auth[7:]
			}
		}
		if _, err := s.config.Validator.Validate(token, r.RemoteAddr); err != nil {
			status := http.StatusUnauthorized
			if err == ErrRateLimited {
				status = http.StatusTooManyRequests
			}
			http.Error(w, err.Error(), status)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := &serverConn{ws: ws}
	s.connMu.Lock()
	s.connections[conn] = struct{}{}
	s.connMu.Unlock()

	go s.handleConnection(conn)
}

func (s *Server) handleConnection(conn *serverConn) {
	defer func() {
		s.connMu.Lock()
		delete(s.connections, conn)
		s.connMu.Unlock()
		conn.ws.Close()
	}()

	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ws.ReadMessage()
			if err != nil {
				return
			}
			go s.dispatch(conn, data)
		}
	}()

	for {
		select {
		case <-s.shutdownCh:
			return
		case <-done:
			return
		case <-pingTicker.C:
			conn.writeMu.Lock()
			err := conn.ws.WriteMessage(websocket.PingMessage, nil)
			conn.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(conn *serverConn, data []byte) {
	msg, err := ParseMessage(data)
	if err != nil {
		_ = conn.writeJSON(NewErrorResponse("", "invalid_message", err.Error()))
		return
	}
	if msg.Type != MessageTypeRequest {
		return
	}

	ctx := context.Background()

	if sh, ok := s.streamHandlers[msg.Method]; ok {
		s.dispatchStream(ctx, conn, msg, sh)
		return
	}

	h, ok := s.handlers[msg.Method]
	if !ok {
		_ = conn.writeJSON(NewErrorResponse(msg.CorrelationID, "method_not_found", msg.Method))
		return
	}

	result, err := h(ctx, msg.Params)
	if err != nil {
		_ = conn.writeJSON(NewErrorResponse(msg.CorrelationID, "internal", err.Error()))
		return
	}
	resp, err := NewResponse(msg.CorrelationID, result)
	if err != nil {
		_ = conn.writeJSON(NewErrorResponse(msg.CorrelationID, "internal", err.Error()))
		return
	}
	_ = conn.writeJSON(resp)
}

func (s *Server) dispatchStream(ctx context.Context, conn *serverConn, msg *Message, sh StreamHandler) {
	items, err := sh(ctx, msg.Params)
	if err != nil {
		_ = conn.writeJSON(NewErrorResponse(msg.CorrelationID, "internal", err.Error()))
		return
	}

	streamID := msg.CorrelationID
	for item := range items {
		out, err := NewStreamMessage(msg.CorrelationID, streamID, item, false)
		if err != nil {
			continue
		}
		if err := conn.writeJSON(out); err != nil {
			return
		}
	}
	done, _ := NewStreamMessage(msg.CorrelationID, streamID, nil, true)
	_ = conn.writeJSON(done)
}

// Shutdown closes all connections and stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.shutdownOnce.Do(func() { close(s.shutdownCh) })

	s.connMu.Lock()
	for conn := range s.connections {
		conn.writeMu.Lock()
		_ = conn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
			time.Now().Add(time.Second))
		conn.writeMu.Unlock()
		conn.ws.Close()
	}
	s.connMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Close shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}
