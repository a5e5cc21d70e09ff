package trpc

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnectHook is called when a new connection is established, after the
// application context is created. Return an error to reject the connection.
type ConnectHook func(ctx context.Context, conn *Conn) error

// DisconnectHook is called when a connection is closed.
type DisconnectHook func(ctx context.Context, conn *Conn)

// ServerOptions configures the WebSocket server.
type ServerOptions struct {
	Options
	// HeartbeatInterval is the ping interval. Default: 30s. Negative disables pings.
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long to wait for a pong after a ping. Default: 5s
	HeartbeatTimeout time.Duration
	// SendBuffer is the number of outgoing messages buffered per connection. Default: 256
	SendBuffer int
	// MaxMessageSize limits incoming frames in bytes. 0 means no limit.
	MaxMessageSize int64
}

func defaultServerOptions() ServerOptions {
	return ServerOptions{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		SendBuffer:        256,
	}
}

// Server serves a router over WebSocket.
type Server struct {
	router          *Router
	d               *dispatcher
	upgrader        websocket.Upgrader
	conns           map[*Conn]struct{}
	mu              sync.RWMutex
	options         ServerOptions
	connectHooks    []ConnectHook
	disconnectHooks []DisconnectHook
	stopping        atomic.Bool
	requestsWg      sync.WaitGroup
}

// NewServer creates a new WebSocket server for router.
// An optional ServerOptions can be passed to configure server behavior.
func NewServer(router *Router, opts ...ServerOptions) *Server {
	options := defaultServerOptions()
	if len(opts) > 0 {
		// Merge provided options with defaults
		opt := opts[0]
		options.Options = opt.Options
		if opt.HeartbeatInterval != 0 {
			options.HeartbeatInterval = opt.HeartbeatInterval
		}
		if opt.HeartbeatTimeout > 0 {
			options.HeartbeatTimeout = opt.HeartbeatTimeout
		}
		if opt.SendBuffer > 0 {
			options.SendBuffer = opt.SendBuffer
		}
		options.MaxMessageSize = opt.MaxMessageSize
	}

	return &Server{
		router: router,
		d:      newDispatcher(router, options.Options),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins by default
			},
		},
		conns:   make(map[*Conn]struct{}),
		options: options,
	}
}

// OnConnect registers a hook to be called when a new connection is established.
// Hooks are called in the order they are registered.
// If a hook returns an error, the connection is rejected and subsequent hooks are not called.
func (s *Server) OnConnect(hook ConnectHook) {
	s.connectHooks = append(s.connectHooks, hook)
}

// OnDisconnect registers a hook to be called when a connection is closed.
// Hooks are called in the order they are registered.
func (s *Server) OnDisconnect(hook DisconnectHook) {
	s.disconnectHooks = append(s.disconnectHooks, hook)
}

func (s *Server) runConnectHooks(ctx context.Context, conn *Conn) error {
	for _, hook := range s.connectHooks {
		if err := hook(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) runDisconnectHooks(conn *Conn) {
	for _, hook := range s.disconnectHooks {
		hook(conn.ctx, conn)
	}
}

// SetCheckOrigin sets the origin check function for the WebSocket upgrader.
func (s *Server) SetCheckOrigin(f func(r *http.Request) bool) {
	s.upgrader.CheckOrigin = f
}

// Router returns the server's router.
func (s *Server) Router() *Router {
	return s.router
}

// ServeHTTP implements http.Handler for WebSocket upgrades.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if s.options.MaxMessageSize > 0 {
		ws.SetReadLimit(s.options.MaxMessageSize)
	}

	heartbeat := s.options.HeartbeatInterval
	if heartbeat < 0 {
		heartbeat = 0
	}
	t := newWSTransport(ws, s.options.SendBuffer, heartbeat, s.options.HeartbeatTimeout)
	conn := newConn(t, s, uuid.NewString(), r)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	ctx = withConnection(ctx, conn)
	conn.ctx, conn.cancel = ctx, cancel

	// The application context is created once per connection.
	ctx, rerr := s.d.createContext(ctx, r)
	if rerr == nil {
		conn.ctx = ctx
		if err := s.runConnectHooks(ctx, conn); err != nil {
			rerr = AsError(err)
		}
	}
	if rerr != nil {
		s.reject(ws, conn, rerr)
		cancel()
		return
	}

	s.register(conn)
	s.d.logger.Debug("connection opened", zap.String("conn", conn.id), zap.String("remote", r.RemoteAddr))

	go t.writePump()
	t.readPump(conn)
}

// reject writes the error directly to ws before the pumps start and closes it.
func (s *Server) reject(ws *websocket.Conn, conn *Conn, rerr *Error) {
	env := s.d.failure(conn.ctx, nil, rerr)
	if data, err := json.Marshal(env); err == nil {
		_ = ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, rerr.Message),
		time.Now().Add(time.Second),
	)
	ws.Close()
}

func (s *Server) register(conn *Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	if m := s.d.opts.Metrics; m != nil {
		m.Connections.Inc()
	}
}

func (s *Server) unregister(conn *Conn) {
	s.mu.Lock()
	_, existed := s.conns[conn]
	if existed {
		delete(s.conns, conn)
	}
	s.mu.Unlock()

	if existed {
		conn.close()
		if m := s.d.opts.Metrics; m != nil {
			m.Connections.Dec()
		}
		s.d.logger.Debug("connection closed", zap.String("conn", conn.id))
	}
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// BroadcastReconnect asks every connected client to reconnect. Clients
// reconnect and resume their subscriptions, which is used before deploys.
func (s *Server) BroadcastReconnect() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for conn := range s.conns {
		conn.sendJSON(Notification{ID: nil, Method: MethodReconnect})
	}
}

// Shutdown stops accepting connections, closes open ones with a close frame
// and waits for in-flight calls and connections to finish or ctx to be done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopping.Store(true)

	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.requestsWg.Wait()
		for s.ConnectionCount() > 0 {
			time.Sleep(10 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
