package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"voice-signaling/internal/registry"

	"github.com/gorilla/websocket"
)

// wsClient adapts one websocket connection to registry.Conn. Sends go
// through a bounded channel drained by a single writer goroutine; a full
// channel means the reader on the other end stopped keeping up, and the
// connection is force-closed so one slow consumer cannot stall fan-out.
type wsClient struct {
	userID string
	conn   *websocket.Conn
	log    *slog.Logger

	send chan []byte
	done chan struct{}

	writeTimeout time.Duration
	pongTimeout  time.Duration

	closeOnce sync.Once
}

func newWSClient(userID string, conn *websocket.Conn, log *slog.Logger, sendBuffer int, writeTimeout, pongTimeout time.Duration) *wsClient {
	return &wsClient{
		userID:       userID,
		conn:         conn,
		log:          log,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pongTimeout:  pongTimeout,
	}
}

func (c *wsClient) Send(event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return registry.ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return registry.ErrConnClosed
	default:
		c.log.Warn("send buffer full, closing slow consumer", "user_id", c.userID)
		go c.Close(websocket.CloseGoingAway, "send buffer overflow")
		return registry.ErrSendBufferFull
	}
}

func (c *wsClient) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(c.writeTimeout)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.log.Debug("close frame not delivered", "user_id", c.userID, "err", err)
		}
		_ = c.conn.Close()
	})
}

func (c *wsClient) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// writePump is the sole writer on the connection. It also owns the ping
// ticker; the read side extends its deadline on each pong.
func (c *wsClient) writePump() {
	pingPeriod := c.pongTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}
