package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/ghostwriter/internal/chat"
	"github.com/suPer8Hu/ghostwriter/internal/common"
	"github.com/suPer8Hu/ghostwriter/internal/log"
)

type createConversationReq struct {
	Title    string `json:"title"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (h *Handler) CreateConversation(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}

	var req createConversationReq
	_ = c.ShouldBindJSON(&req) // allow empty {}

	conv, err := h.ChatSvc.CreateConversation(c.Request.Context(), uid, req.Title, req.Provider, req.Model)
	if err != nil {
		log.GetLogger().WithField("user_id", uid).WithError(err).Error("create conversation failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create conversation")
		return
	}
	common.OK(c, gin.H{"conversation": conv})
}

type sendMessageReq struct {
	ConversationID uint64 `json:"conversation_id" binding:"required"`
	Message        string `json:"message" binding:"required"`
}

// SendMessage stores the user's message and answers right away; the AI
// task is started in the background.
func (h *Handler) SendMessage(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "missing required fields: conversation_id and message")
		return
	}

	msg, err := h.ChatSvc.SendMessage(c.Request.Context(), uid, req.ConversationID, req.Message, c.GetHeader("Authorization"))
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyMessage):
			common.Fail(c, http.StatusBadRequest, 10002, err.Error())
		case errors.Is(err, chat.ErrNotFound):
			common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
		case errors.Is(err, chat.ErrDraining):
			common.Fail(c, http.StatusServiceUnavailable, 50301, "server is shutting down")
		default:
			log.GetLogger().WithFields(logrus.Fields{
				"user_id":         uid,
				"conversation_id": req.ConversationID,
			}).WithError(err).Error("send message failed")
			common.Fail(c, http.StatusInternalServerError, 50001, "failed to send message")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"user_message": msg,
		"status":       "sent",
	})
}

func (h *Handler) ListMessages(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	convID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "invalid conversation id")
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	var beforeID uint64
	if s := c.Query("before_id"); s != "" {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			beforeID = n
		}
	}

	msgs, err := h.ChatSvc.ListMessages(c.Request.Context(), uid, convID, limit, beforeID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list messages")
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}

	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

type patchMessageReq struct {
	Content string `json:"content" binding:"required"`
}

func (h *Handler) PatchMessage(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, "invalid message id")
		return
	}
	var req patchMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	msg, err := h.ChatSvc.PatchMessageContent(c.Request.Context(), uid, id, req.Content)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "message not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"message": msg})
}
