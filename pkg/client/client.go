package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bingosuite/idews/internal/ws"
)

const closeGracePeriod = time.Second

// ErrClosed is returned once the connection has been closed locally.
var ErrClosed = errors.New("connection closed")

// Notifier is the monitor end of the hand-off: it reports a crash event to
// the IDE and waits for debug_finished.
type Notifier struct {
	url  string
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

// Dial connects to an IDE server at url (ws://host:port).
func Dial(ctx context.Context, url string) (*Notifier, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Notifier{url: url, conn: conn}, nil
}

func (n *Notifier) URL() string { return n.url }

// Notify sends payload as a JSON text frame.
func (n *Notifier) Notify(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return n.WriteText(ctx, data)
}

// WriteText sends data verbatim, which lets callers emit payloads Notify
// would never produce.
func (n *Notifier) WriteText(ctx context.Context, data []byte) error {
	n.writeMu.Lock()
	defer n.writeMu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := n.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer func() { _ = n.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := n.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// WaitDebugFinished reads until the IDE acknowledges, returning the raw
// acknowledgment. Other messages are skipped.
func (n *Notifier) WaitDebugFinished(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		// unblock ReadMessage
		_ = n.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		msgType, data, err := n.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("read acknowledgment: %w", err)
		}
		if msgType == websocket.TextMessage && ws.IsDebugFinished(data) {
			return data, nil
		}
	}
}

// Close sends a normal close frame and releases the connection.
func (n *Notifier) Close() error {
	n.writeMu.Lock()
	if n.closed {
		n.writeMu.Unlock()
		return nil
	}
	n.closed = true
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = n.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(closeGracePeriod))
	n.writeMu.Unlock()

	return n.conn.Close()
}
