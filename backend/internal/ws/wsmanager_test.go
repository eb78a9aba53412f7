package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readsync/backend/internal/collab"
	"readsync/backend/internal/hub"
	"readsync/backend/internal/store"
	"readsync/backend/internal/tester"
)

type testServer struct {
	*httptest.Server
	store    *store.GormStore
	auditHub *hub.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := tester.NewStore(t)
	sem := collab.NewSemaphoreControl(8)
	live := collab.NewEngine(st, hub.NewRegistry(time.Second), sem, collab.Options{Policy: collab.PolicyRejectStale})
	auditHub := hub.NewRegistry(time.Second)
	audit := collab.NewEngine(st, auditHub, sem, collab.Options{Policy: collab.PolicyAuditApply, CompactEvery: 20})
	t.Cleanup(live.Close)
	t.Cleanup(audit.Close)

	m := NewManager(live, audit, nil, ManagerOptions{SendQueue: 16, SendTimeout: time.Second})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("ownerId", c.Query("owner"))
		c.Set("username", c.Query("owner"))
		c.Next()
	})
	r.GET("/v1/docs/:docId/live", m.Live)
	r.GET("/v1/docs/:docId/audit", m.Audit)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: st, auditHub: auditHub}
}

func dial(t *testing.T, srv *testServer, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestLiveChannel_ApplyAndConflict(t *testing.T) {
	srv := newTestServer(t)

	a := dial(t, srv, "/v1/docs/X/live?owner=a")
	ready := readFrame(t, a)
	assert.Equal(t, "ready", ready["type"])
	assert.Equal(t, float64(0), ready["version"])

	b := dial(t, srv, "/v1/docs/X/live?owner=b")
	assert.Equal(t, "ready", readFrame(t, b)["type"])

	// "YQ==" is base64 for "a"
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"update","client_version":0,"update":"YQ=="}`)))
	for _, c := range []*websocket.Conn{a, b} {
		f := readFrame(t, c)
		assert.Equal(t, "apply", f["type"])
		assert.Equal(t, float64(1), f["version"])
		assert.Equal(t, "YQ==", f["update"])
	}

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`{"type":"update","client_version":0,"update":"Yg=="}`)))
	f := readFrame(t, b)
	assert.Equal(t, "conflict", f["type"])
	assert.Equal(t, float64(1), f["version"])

	v, err := srv.store.MaxVersion(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestLiveChannel_RejectsBadFrames(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv, "/v1/docs/d1/live?owner=a")
	readFrame(t, c)

	cases := []struct {
		frame string
		code  string
	}{
		{`not json`, CodeMalformedMessage},
		{`{"type":"update","update":"YQ=="}`, CodeMalformedMessage},
		{`{"type":"rename"}`, CodeUnknownType},
		{`{"type":"update","client_version":0,"update":"%%%"}`, CodeInvalidUpdate},
		{`{"type":"update","client_version":0,"update":""}`, CodeInvalidUpdate},
	}
	for _, tc := range cases {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(tc.frame)))
		f := readFrame(t, c)
		assert.Equal(t, "error", f["type"], tc.frame)
		assert.Equal(t, tc.code, f["code"], tc.frame)
	}
}

func TestLiveChannel_PresenceHeartbeat(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv, "/v1/docs/d1/live?owner=a")
	readFrame(t, c)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))
	f := readFrame(t, c)
	assert.Equal(t, "presence", f["type"])
	assert.Equal(t, "d1", f["docId"])
}

func TestAuditChannel_RawAndJSONFrames(t *testing.T) {
	srv := newTestServer(t)
	a := dial(t, srv, "/v1/docs/X/audit?owner=a")
	b := dial(t, srv, "/v1/docs/X/audit?owner=b")
	// the audit channel sends no greeting, wait for both joins
	require.Eventually(t, func() bool { return srv.auditHub.Count("X") == 2 }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"base_version":0,"content":"a"}`)))
	for _, c := range []*websocket.Conn{a, b} {
		f := readFrame(t, c)
		assert.Equal(t, float64(1), f["version"])
		assert.Equal(t, "a", f["content"])
	}

	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`{"base_version":0,"content":"b"}`)))
	f := readFrame(t, a)
	assert.Equal(t, float64(2), f["version"])
	assert.Equal(t, "b", f["content"])
	readFrame(t, b)

	// a frame that is not an object with content is stored whole
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`plain text`)))
	f = readFrame(t, b)
	assert.Equal(t, float64(3), f["version"])
	assert.Equal(t, "plain text", f["content"])

	// an object without content still audits its base version
	require.NoError(t, b.WriteMessage(websocket.TextMessage, []byte(`{"base_version":0}`)))
	f = readFrame(t, a)
	assert.Equal(t, float64(4), f["version"])
	assert.Equal(t, `{"base_version":0}`, f["content"])

	records, err := srv.store.ListUnresolvedConflicts(context.Background(), "X")
	require.NoError(t, err)
	require.Len(t, records, 2)
	var actual []int64
	for _, r := range records {
		assert.Equal(t, int64(0), r.BaseVersion)
		actual = append(actual, r.ActualVersion)
	}
	assert.ElementsMatch(t, []int64{1, 3}, actual)
}

func TestCheckOrigin(t *testing.T) {
	req := httptest.NewRequest("GET", "http://sync.example.com/v1/docs/d1/live", nil)
	assert.True(t, checkOrigin(req))

	req.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, checkOrigin(req))

	req.Header.Set("Origin", "https://sync.example.com")
	assert.True(t, checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.net")
	assert.False(t, checkOrigin(req))
}
