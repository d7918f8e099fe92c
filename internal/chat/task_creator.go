package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/suPer8Hu/ghostwriter/internal/tasks"
)

// TaskCreator starts the AI task for a freshly stored user message.
type TaskCreator interface {
	CreateChatTask(ctx context.Context, authorization string, in tasks.ChatInput) (uint64, error)
}

// HTTPTaskCreator calls the task creation endpoint, forwarding the
// caller's Authorization header so the task is owned by the same user.
type HTTPTaskCreator struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPTaskCreator(baseURL string) *HTTPTaskCreator {
	return &HTTPTaskCreator{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type createTaskReq struct {
	TaskType  string          `json:"task_type"`
	InputData tasks.ChatInput `json:"input_data"`
}

type createTaskResp struct {
	Success bool   `json:"success"`
	TaskID  uint64 `json:"task_id"`
	Message string `json:"message"`
}

func (c *HTTPTaskCreator) CreateChatTask(ctx context.Context, authorization string, in tasks.ChatInput) (uint64, error) {
	if c.Client == nil {
		return 0, errors.New("task creator: http client is nil")
	}
	b, err := json.Marshal(createTaskReq{TaskType: "chat", InputData: in})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/tasks/create", bytes.NewReader(b))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var decoded createTaskResp
	_ = json.Unmarshal(body, &decoded)

	if resp.StatusCode != http.StatusOK || !decoded.Success {
		msg := decoded.Message
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return 0, fmt.Errorf("create task: status %d: %s", resp.StatusCode, msg)
	}
	return decoded.TaskID, nil
}
