package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"readsync/backend/internal/cache"
	"readsync/backend/internal/collab"
)

var allowedOriginPrefixes = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

// checkOrigin allows non-browser clients, local development and same-host pages.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	for _, p := range allowedOriginPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

var upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}

type ManagerOptions struct {
	SendQueue   int
	SendTimeout time.Duration
	PresenceTTL time.Duration
}

// Manager upgrades document requests and binds each connection to the
// engine of its channel.
type Manager struct {
	live     *collab.Engine
	audit    *collab.Engine
	presence cache.PresenceCache
	opts     ManagerOptions
}

func NewManager(live, audit *collab.Engine, presence cache.PresenceCache, opts ManagerOptions) *Manager {
	if presence == nil {
		presence = cache.NopPresence{}
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 2 * time.Second
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 600 * time.Second
	}
	return &Manager{live: live, audit: audit, presence: presence, opts: opts}
}

// Live serves GET /v1/docs/:docId/live.
func (m *Manager) Live(c *gin.Context) {
	m.serve(c, m.live, func(conn *Conn) func(version int64) error {
		return func(version int64) error {
			b, _ := json.Marshal(ReadyMessage{Type: TypeReady, DocID: conn.docID, Version: version})
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.SendTimeout)
			defer cancel()
			return conn.Send(ctx, b)
		}
	}, m.handleLive)
}

// Audit serves GET /v1/docs/:docId/audit.
func (m *Manager) Audit(c *gin.Context) {
	m.serve(c, m.audit, nil, m.handleAudit)
}

func (m *Manager) serve(
	c *gin.Context,
	engine *collab.Engine,
	greeter func(*Conn) func(int64) error,
	handler func(ctx context.Context, engine *collab.Engine, conn *Conn, data []byte),
) {
	docID := c.Param("docId")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing docId"})
		return
	}

	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Warnf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	conn := NewConn(wsConn, docID, c.GetString("ownerId"), c.GetString("username"), c.GetString("deviceId"),
		m.opts.SendQueue, m.opts.SendTimeout)
	defer conn.Close()

	// start writing first so the greeting can drain
	go conn.writeLoop()

	ctx := c.Request.Context()
	var greet func(int64) error
	if greeter != nil {
		greet = greeter(conn)
	}
	if _, err := engine.Join(ctx, docID, conn, greet); err != nil {
		conn.log().Warnf("join failed: %v", err)
		engine.Leave(docID, conn)
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, CodeStorageUnavailable),
			time.Now().Add(writeWait))
		return
	}
	defer engine.Leave(docID, conn)

	m.touchPresence(ctx, conn)
	conn.log().Infof("joined %s channel", engine.Policy())

	conn.readLoop(func(data []byte) {
		handler(ctx, engine, conn, data)
	})
	conn.log().Infof("left %s channel", engine.Policy())
}

func (m *Manager) touchPresence(ctx context.Context, conn *Conn) {
	if conn.ownerID == "" {
		return
	}
	if err := m.presence.AddMember(ctx, conn.docID, conn.ownerID, conn.username, m.opts.PresenceTTL); err != nil {
		conn.log().Warnf("add presence member: %v", err)
	}
}

func (m *Manager) handleLive(ctx context.Context, engine *collab.Engine, conn *Conn, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		conn.reply(errorMessage(CodeMalformedMessage))
		return
	}

	switch msg.Type {
	case TypeUpdate:
		if msg.ClientVersion == nil || msg.Update == nil {
			conn.reply(errorMessage(CodeMalformedMessage))
			return
		}
		payload, err := base64.StdEncoding.DecodeString(*msg.Update)
		if err != nil || len(payload) == 0 {
			conn.reply(errorMessage(CodeInvalidUpdate))
			return
		}
		res, err := engine.Submit(ctx, conn.docID, conn, collab.Update{ClientVersion: *msg.ClientVersion, Payload: payload})
		switch {
		case err == nil && !res.Applied:
			conn.reply(ConflictMessage{Type: TypeConflict, Version: res.Version})
		case errors.Is(err, collab.ErrVersionTaken):
			conn.reply(ConflictMessage{Type: TypeConflict, Version: res.Version})
		case err != nil:
			m.replySubmitError(conn, err)
		}

	case TypeHeartbeat:
		m.touchPresence(ctx, conn)
		members, err := m.presence.GetAliveMembersWithNames(ctx, conn.docID)
		if err != nil {
			conn.log().Warnf("get presence members: %v", err)
		}
		out := PresenceMessage{Type: TypePresence, DocID: conn.docID, Members: make([]PresenceMember, 0, len(members))}
		for _, mem := range members {
			out.Members = append(out.Members, PresenceMember{OwnerID: mem.OwnerID, Username: mem.Username})
		}
		conn.reply(out)

	default:
		conn.reply(errorMessage(CodeUnknownType))
	}
}

// handleAudit takes any frame. A JSON object may carry base_version, and its
// content field replaces the frame as the stored content when present.
func (m *Manager) handleAudit(ctx context.Context, engine *collab.Engine, conn *Conn, data []byte) {
	u := collab.Update{Payload: data}

	var msg AuditMessage
	if err := json.Unmarshal(data, &msg); err == nil {
		u.BaseVersion = msg.BaseVersion
		if msg.Content != nil {
			u.Payload = []byte(*msg.Content)
		}
	}

	if _, err := engine.Submit(ctx, conn.docID, conn, u); err != nil {
		m.replySubmitError(conn, err)
	}
}

func (m *Manager) replySubmitError(conn *Conn, err error) {
	switch {
	case errors.Is(err, collab.ErrBusy):
		conn.reply(errorMessage(CodeBusy))
	case errors.Is(err, collab.ErrEmptyUpdate):
		conn.reply(errorMessage(CodeInvalidUpdate))
	case errors.Is(err, collab.ErrVersionTaken):
		conn.reply(errorMessage(CodeVersionTaken))
	case errors.Is(err, collab.ErrNotJoined), errors.Is(err, collab.ErrClosed):
		conn.reply(errorMessage(CodeChannelClosed))
	default:
		conn.log().Debugf("submit failed: %v", err)
		conn.reply(errorMessage(CodeStorageUnavailable))
	}
}
