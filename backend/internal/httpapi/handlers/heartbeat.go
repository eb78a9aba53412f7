package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"readsync/backend/internal/heartbeat"
)

type HeartbeatHandler struct {
	svc *heartbeat.Service
}

func NewHeartbeatHandler(svc *heartbeat.Service) *HeartbeatHandler {
	return &HeartbeatHandler{svc: svc}
}

// Heartbeat serves POST /v1/sync/heartbeat.
func (h *HeartbeatHandler) Heartbeat(c *gin.Context) {
	var req heartbeat.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "malformed_request", "message": err.Error()})
		return
	}

	p := heartbeat.Principal{
		OwnerID:  c.GetString("ownerId"),
		Username: c.GetString("username"),
		DeviceID: c.GetString("deviceId"),
	}
	resp, err := h.svc.Heartbeat(c.Request.Context(), p, req)
	if err != nil {
		var herr *heartbeat.Error
		if !errors.As(err, &herr) {
			logrus.Errorf("heartbeat: unexpected error: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": "internal"})
			return
		}
		body := gin.H{"code": herr.Code}
		if herr.Retryable {
			body["retryable"] = true
		}
		c.JSON(herr.Status, body)
		return
	}
	c.JSON(http.StatusOK, resp)
}
