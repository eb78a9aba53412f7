package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readsync/backend/internal/cache"
	"readsync/backend/internal/collab"
	"readsync/backend/internal/heartbeat"
	"readsync/backend/internal/httpapi/handlers"
	"readsync/backend/internal/httpapi/middleware"
	"readsync/backend/internal/hub"
	"readsync/backend/internal/store"
	"readsync/backend/internal/tester"
	"readsync/backend/internal/ws"
)

type apiFixture struct {
	router   *gin.Engine
	store    *store.GormStore
	presence cache.PresenceCache
}

// fakeAuth trusts the X-Owner header.
func fakeAuth(c *gin.Context) {
	owner := c.GetHeader("X-Owner")
	if owner == "" {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Set("ownerId", owner)
	c.Set("username", owner)
	c.Set("deviceId", c.GetHeader(middleware.DeviceHeader))
	c.Next()
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := tester.NewDB(t)
	st := store.NewGormStore(db)
	tester.SeedBook(t, db, &store.Book{ID: "B", OwnerID: "u1", Title: "Dune", Author: "Herbert"})

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	presence := cache.NewRedisPresence(rdb)

	sem := collab.NewSemaphoreControl(4)
	live := collab.NewEngine(st, hub.NewRegistry(time.Second), sem, collab.Options{Policy: collab.PolicyRejectStale})
	audit := collab.NewEngine(st, hub.NewRegistry(time.Second), sem, collab.Options{Policy: collab.PolicyAuditApply})
	t.Cleanup(live.Close)
	t.Cleanup(audit.Close)

	r := NewRouter(Deps{
		Auth:      fakeAuth,
		Channels:  ws.NewManager(live, audit, presence, ws.ManagerOptions{}),
		Heartbeat: handlers.NewHeartbeatHandler(heartbeat.NewService(st, nil, nil, nil, heartbeat.Options{})),
		Documents: handlers.NewDocumentHandler(st, collab.LastWriteCompactor{}, presence),
	})
	return &apiFixture{router: r, store: st, presence: presence}
}

func (f *apiFixture) do(t *testing.T, method, path, owner, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("X-Owner", owner)
	}
	req.Header.Set(middleware.DeviceHeader, "phone")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func TestRouter_Healthz(t *testing.T) {
	f := newAPI(t)
	code, body := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["message"])

	code, _ = f.do(t, http.MethodGet, "/v1/docs/d1/snapshot", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRouter_Heartbeat(t *testing.T) {
	f := newAPI(t)

	code, body := f.do(t, http.MethodPost, "/v1/sync/heartbeat", "u1", `{
		"book_id": "B",
		"client_updates": {
			"reading_progress": {"progress": 0.25, "last_location": 118},
			"pending_notes": [{"client_id": "n1", "location": "epubcfi(/6/2)", "content": "hi"}]
		}
	}`)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["pull_required"], "metadata")
	assert.Nil(t, body["pending_events"])
	notes := body["push_results"].(map[string]any)["notes"].(map[string]any)
	assert.Equal(t, "created", notes["n1"].(map[string]any)["status"])
	assert.Equal(t, float64(5000), body["next_heartbeat_ms"])

	stored, err := f.store.FindAnnotationByClientID(context.Background(), "u1", "B", "n1")
	require.NoError(t, err)
	assert.Equal(t, "phone", stored.DeviceID)
	rp, err := f.store.GetProgress(context.Background(), "u1", "B")
	require.NoError(t, err)
	assert.Equal(t, "118", rp.LastLocation)

	code, body = f.do(t, http.MethodPost, "/v1/sync/heartbeat", "u1", `{"book_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "book_not_found", body["code"])

	code, body = f.do(t, http.MethodPost, "/v1/sync/heartbeat", "u1", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "missing_book_id", body["code"])

	code, body = f.do(t, http.MethodPost, "/v1/sync/heartbeat", "u1", `{"book_id":`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "malformed_request", body["code"])
}

func TestRouter_DraftRecovery(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()

	code, _ := f.do(t, http.MethodPost, "/v1/docs/X/drafts/recover", "u1", "")
	assert.Equal(t, http.StatusNotFound, code)

	require.NoError(t, f.store.AppendEvent(ctx, &store.UpdateEvent{DocID: "X", Version: 1, Payload: []byte("a")}))
	require.NoError(t, f.store.ApplyAudited(ctx, store.AuditedWrite{
		Event:    &store.UpdateEvent{DocID: "X", Version: 2, Payload: []byte("b")},
		Conflict: &store.ConflictRecord{BaseVersion: 0, ActualVersion: 1},
		Draft:    &store.Draft{Payload: []byte("draft")},
	}))

	code, body := f.do(t, http.MethodGet, "/v1/docs/X/conflicts", "u1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["conflicts"], 1)

	code, body = f.do(t, http.MethodPost, "/v1/docs/X/drafts/recover", "u1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["resolved"])

	code, _ = f.do(t, http.MethodPost, "/v1/docs/X/drafts/recover", "u1", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = f.do(t, http.MethodGet, "/v1/docs/X/conflicts", "u1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["conflicts"])
}

func TestRouter_SnapshotAndState(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()

	code, _ := f.do(t, http.MethodGet, "/v1/docs/X/snapshot", "u1", "")
	assert.Equal(t, http.StatusNotFound, code)

	for v, p := range []string{"a", "b", "c"} {
		require.NoError(t, f.store.AppendEvent(ctx, &store.UpdateEvent{DocID: "X", Version: int64(v + 1), Payload: []byte(p)}))
	}
	require.NoError(t, f.store.SaveSnapshot(ctx, &store.Snapshot{DocID: "X", Version: 2, Payload: []byte("b")}))

	code, body := f.do(t, http.MethodGet, "/v1/docs/X/snapshot", "u1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["version"])

	code, body = f.do(t, http.MethodGet, "/v1/docs/X/state", "u1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), body["version"])
	assert.Equal(t, float64(2), body["snapshot_version"])
	assert.Equal(t, float64(1), body["tail_events"])
	// []byte payloads are base64 on the wire; "Yw==" is "c"
	assert.Equal(t, "Yw==", body["payload"])
}

func TestRouter_Presence(t *testing.T) {
	f := newAPI(t)
	require.NoError(t, f.presence.AddMember(context.Background(), "X", "u1", "alice", time.Minute))

	code, body := f.do(t, http.MethodGet, "/v1/docs/X/presence", "u1", "")
	require.Equal(t, http.StatusOK, code)
	members := body["members"].([]any)
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].(map[string]any)["username"])
}
