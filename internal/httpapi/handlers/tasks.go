package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/ghostwriter/internal/chat"
	"github.com/suPer8Hu/ghostwriter/internal/common"
	"github.com/suPer8Hu/ghostwriter/internal/log"
	"github.com/suPer8Hu/ghostwriter/internal/tasks"
)

const maxSettledIDs = 100

type createTaskReq struct {
	TaskType  string          `json:"task_type"`
	InputData json.RawMessage `json:"input_data"`
}

func (h *Handler) CreateTask(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}

	var req createTaskReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	res, err := h.TaskSvc.CreateTask(c.Request.Context(), uid, req.TaskType, tasks.JSON(req.InputData))
	if err != nil {
		switch {
		case errors.Is(err, tasks.ErrMissingFields), errors.Is(err, tasks.ErrInputNotObject):
			common.Fail(c, http.StatusBadRequest, 10002, err.Error())
		case errors.Is(err, tasks.ErrUnknownTaskType):
			common.Fail(c, http.StatusBadRequest, 10003, "unknown task_type: "+req.TaskType)
		default:
			log.GetLogger().WithFields(logrus.Fields{
				"user_id":   uid,
				"task_type": req.TaskType,
			}).WithError(err).Error("create task failed")
			common.Fail(c, http.StatusInternalServerError, 50001, "failed to create task")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"task_id":     res.Task.ID,
		"workflow_id": res.Workflow.WorkflowID,
		"task_type":   res.Task.TaskType,
		"status":      tasks.StatusPending,
		"webhook_url": res.Workflow.WebhookURL,
	})
}

func (h *Handler) GetTaskStatus(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	id, err := strconv.ParseUint(c.Query("id"), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, 10002, "id required")
		return
	}

	t, err := h.TaskSvc.GetTask(c.Request.Context(), uid, id)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "task not found")
			return
		}
		log.GetLogger().WithField("task_id", id).WithError(err).Error("get task failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) ListActiveTasks(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	convID, err := strconv.ParseUint(c.Query("conversation_id"), 10, 64)
	if err != nil || convID == 0 {
		common.Fail(c, http.StatusBadRequest, 10002, "conversation_id required")
		return
	}

	list, err := h.TaskSvc.ListActive(c.Request.Context(), uid, convID)
	if err != nil {
		log.GetLogger().WithField("conversation_id", convID).WithError(err).Error("list active tasks failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"tasks": list})
}

func parseIDs(raw string) ([]uint64, error) {
	var ids []uint64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (h *Handler) ListSettledTasks(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	ids, err := parseIDs(c.Query("ids"))
	if err != nil || len(ids) == 0 {
		common.Fail(c, http.StatusBadRequest, 10002, "ids required")
		return
	}
	if len(ids) > maxSettledIDs {
		common.Fail(c, http.StatusBadRequest, 10004, "too many ids")
		return
	}

	list, err := h.TaskSvc.ListSettled(c.Request.Context(), uid, ids)
	if err != nil {
		log.GetLogger().WithError(err).Error("list settled tasks failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"tasks": list})
}

type taskMessageReq struct {
	Content string `json:"content" binding:"required"`
}

// SetTaskMessage replaces the content shown for a task's reply, e.g. with
// a failure notice.
func (h *Handler) SetTaskMessage(c *gin.Context) {
	uid, ok := requireUser(c)
	if !ok {
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, 10002, "task id required")
		return
	}
	var req taskMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	t, err := h.TaskSvc.GetTask(c.Request.Context(), uid, id)
	if err != nil {
		if errors.Is(err, tasks.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "task not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	if t.ConversationID == nil {
		common.Fail(c, http.StatusBadRequest, 10005, "task has no conversation")
		return
	}

	msg, err := h.ChatSvc.SetTaskMessage(c.Request.Context(), uid, *t.ConversationID, t.ID, req.Content)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "conversation not found")
			return
		}
		log.GetLogger().WithField("task_id", id).WithError(err).Error("set task message failed")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	common.OK(c, gin.H{"message": msg})
}

// RealtimeTasks streams the user's task changes. It is mounted on net/http
// directly, not on the gin engine.
func (h *Handler) RealtimeTasks(w http.ResponseWriter, r *http.Request, userID uint64) {
	h.Hub.Serve(w, r, userID)
}
