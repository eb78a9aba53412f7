package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"readsync/backend/internal/cache"
	"readsync/backend/internal/collab"
	"readsync/backend/internal/store"
)

// DocumentHandler serves the read and recovery side of document channels.
type DocumentHandler struct {
	store     store.Store
	compactor collab.Compactor
	presence  cache.PresenceCache
}

func NewDocumentHandler(st store.Store, compactor collab.Compactor, presence cache.PresenceCache) *DocumentHandler {
	if compactor == nil {
		compactor = collab.LastWriteCompactor{}
	}
	if presence == nil {
		presence = cache.NopPresence{}
	}
	return &DocumentHandler{store: st, compactor: compactor, presence: presence}
}

func storageError(c *gin.Context, op string, err error) {
	logrus.WithField("doc_id", c.Param("docId")).Errorf("%s: %v", op, err)
	c.JSON(http.StatusServiceUnavailable, gin.H{"code": "storage_unavailable", "retryable": true})
}

// Snapshot serves GET /v1/docs/:docId/snapshot.
func (h *DocumentHandler) Snapshot(c *gin.Context) {
	snap, err := h.store.LatestSnapshot(c.Request.Context(), c.Param("docId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "snapshot_not_found"})
		return
	}
	if err != nil {
		storageError(c, "latest snapshot", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Conflicts serves GET /v1/docs/:docId/conflicts.
func (h *DocumentHandler) Conflicts(c *gin.Context) {
	records, err := h.store.ListUnresolvedConflicts(c.Request.Context(), c.Param("docId"))
	if err != nil {
		storageError(c, "list conflicts", err)
		return
	}
	if records == nil {
		records = []store.ConflictRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": records})
}

// RecoverDraft serves POST /v1/docs/:docId/drafts/recover. Each draft is
// handed out once.
func (h *DocumentHandler) RecoverDraft(c *gin.Context) {
	draft, err := h.store.RecoverDraft(c.Request.Context(), c.Param("docId"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": "draft_not_found"})
		return
	}
	if err != nil {
		storageError(c, "recover draft", err)
		return
	}
	logrus.WithFields(logrus.Fields{
		"doc_id":   draft.DocID,
		"draft_id": draft.ID,
		"owner_id": c.GetString("ownerId"),
	}).Info("draft recovered")
	c.JSON(http.StatusOK, draft)
}

// State serves GET /v1/docs/:docId/state: the latest snapshot with the
// events after it folded in.
func (h *DocumentHandler) State(c *gin.Context) {
	state, err := collab.LoadState(c.Request.Context(), h.store, h.store, h.compactor, c.Param("docId"))
	if err != nil {
		storageError(c, "load state", err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// Presence serves GET /v1/docs/:docId/presence.
func (h *DocumentHandler) Presence(c *gin.Context) {
	members, err := h.presence.GetAliveMembersWithNames(c.Request.Context(), c.Param("docId"))
	if err != nil {
		logrus.Warnf("get presence members: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "presence_unavailable", "retryable": true})
		return
	}
	if members == nil {
		members = []cache.PresenceMember{}
	}
	c.JSON(http.StatusOK, gin.H{"docId": c.Param("docId"), "members": members})
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}
