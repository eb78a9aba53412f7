package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var ErrConnClosed = errors.New("connection closed")

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Conn is one websocket client of a document. Outbound frames go through a
// bounded queue drained by writeLoop, so a slow reader never blocks the
// document actor for longer than the send timeout.
type Conn struct {
	id       string
	ws       *websocket.Conn
	docID    string
	ownerID  string
	username string
	deviceID string

	send        chan []byte
	sendTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func NewConn(ws *websocket.Conn, docID, ownerID, username, deviceID string, queue int, sendTimeout time.Duration) *Conn {
	if queue <= 0 {
		queue = 32
	}
	return &Conn{
		id:          uuid.NewString(),
		ws:          ws,
		docID:       docID,
		ownerID:     ownerID,
		username:    username,
		deviceID:    deviceID,
		send:        make(chan []byte, queue),
		sendTimeout: sendTimeout,
		closed:      make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

// Send queues msg for the write loop, failing if the queue stays full until
// ctx is done.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the socket down; the read loop then exits on its own.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// reply sends a frame to this connection only.
func (c *Conn) reply(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.sendTimeout)
	defer cancel()
	if err := c.Send(ctx, b); err != nil {
		c.log().Debugf("reply dropped: %v", err)
	}
}

func (c *Conn) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"doc_id":   c.docID,
		"owner_id": c.ownerID,
		"conn":     c.id,
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log().Debugf("write failed: %v", err)
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// readLoop hands every inbound frame to handle until the socket fails.
func (c *Conn) readLoop(handle func(data []byte)) {
	c.ws.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log().Debugf("read failed: %v", err)
			}
			return
		}
		handle(data)
	}
}
