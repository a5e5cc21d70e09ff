package trpc

import (
	"bytes"
	"context"
	"net/http"
	"sync"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"
)

// Conn represents a single WebSocket connection.
type Conn struct {
	id        string
	server    *Server
	transport transport
	request   *http.Request
	ctx       context.Context
	cancel    context.CancelFunc
	subs      *subscriptionEngine
	values    sync.Map

	mu     sync.Mutex
	closed bool
}

func newConn(t transport, server *Server, id string, r *http.Request) *Conn {
	c := &Conn{
		id:        id,
		server:    server,
		transport: t,
		request:   r,
	}
	c.subs = newSubscriptionEngine(server.d, c.sendJSON)
	return c
}

// ID returns the unique connection ID.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the remote address of the client.
func (c *Conn) RemoteAddr() string {
	if c.request == nil {
		return ""
	}
	return c.request.RemoteAddr
}

// Request returns the HTTP request that opened the connection.
func (c *Conn) Request() *http.Request {
	return c.request
}

// Context returns the connection context. It carries the application context
// and is canceled when the connection closes.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Set stores a value on the connection.
func (c *Conn) Set(key string, value any) {
	c.values.Store(key, value)
}

// Get returns a value stored with Set.
func (c *Conn) Get(key string) (any, bool) {
	return c.values.Load(key)
}

// Subscriptions returns the number of running subscriptions.
func (c *Conn) Subscriptions() int {
	if c.subs == nil {
		return 0
	}
	return c.subs.count()
}

// Close closes the connection with a close frame.
func (c *Conn) Close() error {
	if c.transport == nil {
		return nil
	}
	return c.transport.CloseGracefully()
}

func (c *Conn) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.server.d.logger.Error("failed to encode message", zap.String("conn", c.id), zap.Error(err))
		return
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	if err := c.transport.Send(data); err != nil && err != errTransportClosed {
		c.server.d.logger.Warn("dropped message", zap.String("conn", c.id), zap.Error(err))
	}
}

// handleMessage processes a single frame or an array of frames.
func (c *Conn) handleMessage(data []byte) {
	d := c.server.d
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var frames []jsontext.Value
		if err := json.Unmarshal(trimmed, &frames); err != nil {
			c.sendJSON(d.failure(c.ctx, nil, ErrParse(err)))
			return
		}
		for _, f := range frames {
			c.handleMessage(f)
		}
		return
	}

	var frame RequestFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sendJSON(d.failure(c.ctx, nil, ErrParse(err)))
		return
	}

	switch frame.Method {
	case MethodQuery, MethodMutation:
		c.server.requestsWg.Add(1)
		go func() {
			defer c.server.requestsWg.Done()
			c.handleCall(frame)
		}()
	case MethodSubscription:
		c.handleSubscription(frame)
	case MethodSubscriptionStop:
		c.subs.stop(frame.ID)
	default:
		c.sendJSON(d.failure(c.ctx, frame.ID, ErrBadRequest("unknown method "+frame.Method)))
	}
}

func (c *Conn) handleCall(frame RequestFrame) {
	req := &Request{
		ID:       frame.ID,
		Type:     ProcedureType(frame.Method),
		Path:     frame.Params.Path,
		RawInput: frame.Params.Input,
	}
	env, _ := c.server.d.resolve(c.ctx, req)
	c.sendJSON(env)
}

// handleSubscription resolves a subscription on the read goroutine so that a
// stop frame following it is always seen after the start.
func (c *Conn) handleSubscription(frame RequestFrame) {
	d := c.server.d
	req := &Request{
		ID:       frame.ID,
		Type:     TypeSubscription,
		Path:     frame.Params.Path,
		RawInput: frame.Params.Input,
	}
	out, rerr := d.call(c.ctx, req)
	if rerr != nil {
		c.sendJSON(d.errorEnvelope(c.ctx, req, rerr))
		return
	}
	h, _ := out.(*SubscriptionHandle)
	if h == nil {
		rerr = NewError(CodeInternalServerError, "subscription resolver returned no handle")
		d.report(c.ctx, req, rerr)
		c.sendJSON(d.errorEnvelope(c.ctx, req, rerr))
		return
	}
	if rerr := c.subs.start(c.ctx, req, h); rerr != nil {
		if h.Teardown != nil {
			h.Teardown()
		}
		d.report(c.ctx, req, rerr)
		c.sendJSON(d.errorEnvelope(c.ctx, req, rerr))
	}
}

// close stops subscriptions and in-flight calls. Disconnect hooks run after
// the subscriptions are torn down and before the context is canceled.
func (c *Conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.subs.close()
	c.server.runDisconnectHooks(c)
	if c.cancel != nil {
		c.cancel()
	}
	c.transport.Close()
}
