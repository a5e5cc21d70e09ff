package trpc

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsTransport wraps a WebSocket connection as a transport.
type wsTransport struct {
	ws        *websocket.Conn
	send      chan []byte
	heartbeat time.Duration
	timeout   time.Duration

	mu     sync.Mutex
	closed bool
}

func newWSTransport(ws *websocket.Conn, buffer int, heartbeat, timeout time.Duration) *wsTransport {
	return &wsTransport{
		ws:        ws,
		send:      make(chan []byte, buffer),
		heartbeat: heartbeat,
		timeout:   timeout,
	}
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	select {
	case t.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.send)
	}
	return nil
}

func (t *wsTransport) CloseGracefully() error {
	// Send a WebSocket close frame to notify the client
	_ = t.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(5*time.Second),
	)
	return t.Close()
}

// readPump reads messages from the WebSocket and dispatches them to the connection.
func (t *wsTransport) readPump(conn *Conn) {
	defer func() {
		conn.server.unregister(conn)
		t.ws.Close()
	}()

	if t.heartbeat > 0 {
		wait := t.heartbeat + t.timeout
		_ = t.ws.SetReadDeadline(time.Now().Add(wait))
		t.ws.SetPongHandler(func(string) error {
			return t.ws.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			return
		}
		conn.handleMessage(data)
	}
}

// writePump writes messages from the send channel to the WebSocket and
// pings the client every heartbeat interval.
func (t *wsTransport) writePump() {
	defer t.ws.Close()

	var ping <-chan time.Time
	if t.heartbeat > 0 {
		ticker := time.NewTicker(t.heartbeat)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case data, ok := <-t.send:
			if !ok {
				return
			}
			if err := t.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping:
			if err := t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.timeout)); err != nil {
				return
			}
		}
	}
}
