package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ahhshm/trpc"
)

var (
	// ErrConnectionLost is the cause of errors delivered to operations that
	// were in flight when the WebSocket connection dropped.
	ErrConnectionLost = errors.New("websocket connection lost")
	// ErrClientClosed is the cause of errors delivered after Close.
	ErrClientClosed = errors.New("websocket client closed")
)

// WSOptions configures a WSClient.
type WSOptions struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	// ReconnectInterval is the initial reconnect delay. Default: 1s
	ReconnectInterval time.Duration
	// ReconnectMaxInterval caps the reconnect delay. Default: 30s
	ReconnectMaxInterval time.Duration
	// ReconnectMaxAttempts is the number of failed dials after which the client
	// gives up and fails everything. 0 means unlimited.
	ReconnectMaxAttempts int
	// RetryInFlight resends queries and mutations that were in flight when the
	// connection dropped instead of failing them.
	RetryInFlight bool
	Logger        *zap.Logger
	OnOpen        func()
	OnClose       func(err error)
}

func defaultWSOptions() WSOptions {
	return WSOptions{
		ReconnectInterval:    time.Second,
		ReconnectMaxInterval: 30 * time.Second,
	}
}

// wsRequest is an operation waiting for results.
type wsRequest struct {
	id    int64
	frame []byte
	sub   bool
	sent  bool
	out   trpc.DataTransformer
	cb    Callback
}

// WSClient multiplexes operations over one WebSocket connection, reconnecting
// with exponential backoff when it drops.
type WSClient struct {
	opts     WSOptions
	logger   *zap.Logger
	ctx      context.Context
	shutdown context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[int64]*wsRequest
	queue    []*wsRequest
	graceful bool
	closed   bool
}

// NewWSClient creates a client and starts connecting in the background.
// Operations issued before the connection is open are queued.
func NewWSClient(opts WSOptions) *WSClient {
	o := defaultWSOptions()
	o.URL = opts.URL
	o.Header = opts.Header
	o.Dialer = opts.Dialer
	if opts.ReconnectInterval > 0 {
		o.ReconnectInterval = opts.ReconnectInterval
	}
	if opts.ReconnectMaxInterval > 0 {
		o.ReconnectMaxInterval = opts.ReconnectMaxInterval
	}
	o.ReconnectMaxAttempts = opts.ReconnectMaxAttempts
	o.RetryInFlight = opts.RetryInFlight
	o.OnOpen = opts.OnOpen
	o.OnClose = opts.OnClose
	o.Logger = opts.Logger
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 45 * time.Second}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		opts:     o,
		logger:   o.Logger,
		ctx:      ctx,
		shutdown: cancel,
		done:     make(chan struct{}),
		pending:  make(map[int64]*wsRequest),
	}
	go c.connectLoop()
	return c
}

// Close closes the connection, stops reconnecting and fails every pending
// operation.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.shutdown()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	<-c.done
	return nil
}

// Connected reports whether the connection is currently open.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Pending returns the number of operations waiting for results.
func (c *WSClient) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *WSClient) connectLoop() {
	defer close(c.done)
	defer c.failAll(ErrClientClosed)

	attempts := 0
	for {
		if c.ctx.Err() != nil {
			return
		}
		conn, _, err := c.opts.Dialer.DialContext(c.ctx, c.opts.URL, c.opts.Header)
		if err != nil {
			attempts++
			if c.opts.ReconnectMaxAttempts > 0 && attempts >= c.opts.ReconnectMaxAttempts {
				c.logger.Warn("giving up reconnecting", zap.Int("attempts", attempts), zap.Error(err))
				c.mu.Lock()
				c.closed = true
				c.mu.Unlock()
				c.failAll(err)
				return
			}
			if !c.sleep(c.reconnectDelay(attempts)) {
				return
			}
			continue
		}
		attempts = 0

		c.open(conn)
		err = c.readLoop(conn)
		conn.Close()
		graceful := c.lost(err)
		if c.opts.OnClose != nil {
			c.opts.OnClose(err)
		}
		if graceful {
			continue
		}
		if !c.sleep(c.opts.ReconnectInterval) {
			return
		}
	}
}

// reconnectDelay returns the backoff before dial attempt n+1.
func (c *WSClient) reconnectDelay(attempts int) time.Duration {
	delay := c.opts.ReconnectInterval
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= c.opts.ReconnectMaxInterval {
			return c.opts.ReconnectMaxInterval
		}
	}
	return delay
}

func (c *WSClient) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// open installs conn and sends everything queued while connecting.
func (c *WSClient) open(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	queue := c.queue
	c.queue = nil
	for i, req := range queue {
		if _, ok := c.pending[req.id]; !ok {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, req.frame); err != nil {
			// The read loop sees the broken connection. The rest wait for the
			// next one.
			c.logger.Debug("sending queued operations failed", zap.Error(err))
			c.queue = queue[i:]
			break
		}
		req.sent = true
	}
	c.mu.Unlock()
	c.logger.Debug("websocket connected", zap.String("url", c.opts.URL))
	if c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}
}

// lost handles a dropped connection. After a server-requested reconnect
// everything is resent on the next connection. Otherwise subscriptions fail,
// and queries and mutations fail unless RetryInFlight is set.
func (c *WSClient) lost(err error) (graceful bool) {
	c.mu.Lock()
	c.conn = nil
	if c.closed {
		c.mu.Unlock()
		return false
	}
	graceful = c.graceful
	c.graceful = false

	var failed []*wsRequest
	var requeue []*wsRequest
	for id, req := range c.pending {
		switch {
		case !req.sent:
		case graceful || (!req.sub && c.opts.RetryInFlight):
			req.sent = false
			requeue = append(requeue, req)
		default:
			delete(c.pending, id)
			failed = append(failed, req)
		}
	}
	c.queue = append(requeue, c.queue...)
	c.mu.Unlock()

	c.logger.Debug("websocket disconnected", zap.Bool("graceful", graceful), zap.Error(err))
	cerr := &Error{Message: ErrConnectionLost.Error(), Cause: ErrConnectionLost}
	for _, req := range failed {
		req.cb(OperationResult{Err: cerr})
	}
	return graceful
}

func (c *WSClient) failAll(cause error) {
	c.mu.Lock()
	reqs := make([]*wsRequest, 0, len(c.pending))
	for _, req := range c.pending {
		reqs = append(reqs, req)
	}
	clear(c.pending)
	c.queue = nil
	c.mu.Unlock()

	err := transportError(cause)
	for _, req := range reqs {
		req.cb(OperationResult{Err: err})
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleMessage(conn, data)
	}
}

// incoming is any message from the server.
type incoming struct {
	ID     any            `json:"id"`
	Method string         `json:"method,omitempty"`
	Result *trpc.Result   `json:"result,omitzero"`
	Error  jsontext.Value `json:"error,omitzero"`
}

func (c *WSClient) handleMessage(conn *websocket.Conn, data []byte) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var msgs []jsontext.Value
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			c.logger.Warn("invalid message", zap.Error(err))
			return
		}
		for _, m := range msgs {
			c.handleMessage(conn, m)
		}
		return
	}

	var msg incoming
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("invalid message", zap.Error(err))
		return
	}
	if msg.Method == trpc.MethodReconnect {
		c.mu.Lock()
		c.graceful = true
		c.mu.Unlock()
		conn.Close()
		return
	}

	id, ok := parseID(msg.ID)
	if !ok {
		if len(msg.Error) > 0 {
			c.logger.Warn("connection error", zap.ByteString("error", msg.Error))
		}
		return
	}

	c.mu.Lock()
	req, ok := c.pending[id]
	final := !ok || !req.sub || len(msg.Error) > 0 ||
		(msg.Result != nil && msg.Result.Type == trpc.ResultStopped)
	if ok && final {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	req.cb(resultOf(req.out, trpc.Envelope{ID: msg.ID, Result: msg.Result, Error: msg.Error}))
}

func parseID(v any) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), true
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// request registers op and sends its frame, or queues it while connecting.
func (c *WSClient) request(op *Operation, input jsontext.Value, out trpc.DataTransformer, cb Callback) {
	frame, err := json.Marshal(trpc.RequestFrame{
		ID:      op.ID,
		JSONRPC: "2.0",
		Method:  string(op.Type),
		Params:  trpc.RequestParams{Path: op.Path, Input: input},
	})
	if err != nil {
		cb(OperationResult{Err: transportError(err)})
		return
	}
	req := &wsRequest{
		id:    op.ID,
		frame: frame,
		sub:   op.Type == trpc.TypeSubscription,
		out:   out,
		cb:    cb,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cb(OperationResult{Err: transportError(ErrClientClosed)})
		return
	}
	c.pending[req.id] = req
	if c.conn == nil {
		c.queue = append(c.queue, req)
		c.mu.Unlock()
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		// The read loop sees the broken connection and handles the request.
		c.queue = append(c.queue, req)
	} else {
		req.sent = true
	}
	c.mu.Unlock()
}

// drop removes a pending operation. Running subscriptions are stopped on the
// server. It reports whether the operation was still pending.
func (c *WSClient) drop(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id]
	if !ok {
		return false
	}
	delete(c.pending, id)
	if req.sub && req.sent && c.conn != nil {
		stop, err := json.Marshal(trpc.RequestFrame{ID: id, JSONRPC: "2.0", Method: trpc.MethodSubscriptionStop})
		if err == nil {
			_ = c.conn.WriteMessage(websocket.TextMessage, stop)
		}
	}
	return true
}
