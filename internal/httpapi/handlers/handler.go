package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/ghostwriter/internal/chat"
	"github.com/suPer8Hu/ghostwriter/internal/common"
	"github.com/suPer8Hu/ghostwriter/internal/httpapi/middleware"
	"github.com/suPer8Hu/ghostwriter/internal/realtime"
	"github.com/suPer8Hu/ghostwriter/internal/tasks"
)

type Handler struct {
	TaskSvc *tasks.Service
	ChatSvc *chat.Service
	Hub     *realtime.Hub
}

func NewHandler(taskSvc *tasks.Service, chatSvc *chat.Service, hub *realtime.Hub) *Handler {
	return &Handler{TaskSvc: taskSvc, ChatSvc: chatSvc, Hub: hub}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func requireUser(c *gin.Context) (uint64, bool) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
	}
	return uid, ok
}
