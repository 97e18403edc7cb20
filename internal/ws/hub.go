package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	connectionSendBufferSize = 16
	inboundBufferSize        = 64
)

type inboundMessage struct {
	conn *Connection
	data []byte
}

type ackRequest struct {
	conn  *Connection
	event Recognized
}

// Hub owns every open connection and applies the acknowledgment rule to
// each inbound message. All writes to a connection's send channel happen on
// the Run goroutine.
type Hub struct {
	connections map[*Connection]struct{}

	register   chan *Connection
	unregister chan *Connection
	inbound    chan inboundMessage
	acks       chan ackRequest

	responder Responder
	logger    *zap.Logger

	acknowledged atomic.Int64
	done         chan struct{}

	mu sync.RWMutex
}

func NewHub(responder Responder, logger *zap.Logger) *Hub {
	if responder == nil {
		responder = ImmediateResponder{}
	}
	return &Hub{
		connections: make(map[*Connection]struct{}),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		inbound:     make(chan inboundMessage, inboundBufferSize),
		acks:        make(chan ackRequest),
		responder:   responder,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Run processes hub traffic until ctx is cancelled, then closes every
// connection it still holds.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
			h.logger.Info(conn.remote+" connected to server", zap.String("conn", conn.id))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				conn.closeSend()
				h.logger.Info(conn.remote+" closed the connection", zap.String("conn", conn.id))
			}
			h.mu.Unlock()

		case msg := <-h.inbound:
			h.handleInbound(ctx, msg)

		case req := <-h.acks:
			h.sendAck(req)
		}
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Acknowledged is the number of debug_finished messages queued so far.
func (h *Hub) Acknowledged() int64 {
	return h.acknowledged.Load()
}

// ConnectionCount reports the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Public APIs. Each returns immediately once the hub has stopped.

// Register reports false when the hub has already stopped.
func (h *Hub) Register(conn *Connection) bool {
	select {
	case h.register <- conn:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

func (h *Hub) Dispatch(conn *Connection, data []byte) {
	select {
	case h.inbound <- inboundMessage{conn: conn, data: data}:
	case <-h.done:
	}
}

func (h *Hub) handleInbound(ctx context.Context, msg inboundMessage) {
	notification, err := ParseEvent(msg.data)
	if err != nil {
		h.logger.Info("Server ignores error", zap.String("conn", msg.conn.id), zap.Error(err))
		return
	}

	switch n := notification.(type) {
	case Unrecognized:
		h.logger.Info("Server received: "+FormatRepr(rawFields(n.Fields)),
			zap.String("conn", msg.conn.id), zap.String("reason", n.Reason))
	case Recognized:
		h.logger.Debug("Crash event received",
			zap.String("conn", msg.conn.id), zap.String("event", string(n.Event)))
		go h.respond(ctx, msg.conn, n)
	}
}

func (h *Hub) respond(ctx context.Context, conn *Connection, event Recognized) {
	if err := h.responder.Respond(ctx, event); err != nil {
		h.logger.Warn("Acknowledgment withheld", zap.String("conn", conn.id), zap.Error(err))
		return
	}
	select {
	case h.acks <- ackRequest{conn: conn, event: event}:
	case <-ctx.Done():
	}
}

func (h *Hub) sendAck(req ackRequest) {
	h.mu.RLock()
	_, ok := h.connections[req.conn]
	h.mu.RUnlock()
	if !ok {
		h.logger.Info("Connection gone before acknowledgment", zap.String("conn", req.conn.id))
		return
	}

	payload := DebugFinished()
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to marshal acknowledgment", zap.Error(err))
		return
	}

	select {
	case req.conn.send <- data:
		h.acknowledged.Add(1)
		h.logger.Info("Server sent: "+FormatRepr(payload), zap.String("conn", req.conn.id))
	default:
		// send buffer full: discard the connection rather than lose the reply
		h.mu.Lock()
		delete(h.connections, req.conn)
		req.conn.closeSend()
		h.mu.Unlock()
		h.logger.Warn("Connection too slow for acknowledgment, closing", zap.String("conn", req.conn.id))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.connections {
		conn.closeSend()
		delete(h.connections, conn)
	}
}

func rawFields(fields map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
