package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/suPer8Hu/ghostwriter/internal/log"
	"github.com/suPer8Hu/ghostwriter/internal/realtime"
	"github.com/suPer8Hu/ghostwriter/internal/tasks"
)

// Client talks to the ghostwriter HTTP API with a bearer token. It
// implements TaskSource, Subscriber, MessagePatcher and MessageSender.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: status %d code %d: %s", e.Status, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.Message != "" {
			apiErr.Code = env.Code
			apiErr.Message = env.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// data unwraps the {code, message, data} envelope.
func (c *Client) data(ctx context.Context, method, path string, in, out any) error {
	var env envelope
	if err := c.do(ctx, method, path, in, &env); err != nil {
		return err
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

type taskList struct {
	Tasks []tasks.Task `json:"tasks"`
}

func (c *Client) ListActive(ctx context.Context, conversationID uint64) ([]tasks.Task, error) {
	var out taskList
	path := "/tasks/active?conversation_id=" + strconv.FormatUint(conversationID, 10)
	if err := c.data(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) ListSettled(ctx context.Context, ids []uint64) ([]tasks.Task, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(id, 10)
	}
	var out taskList
	path := "/tasks/settled?ids=" + url.QueryEscape(strings.Join(parts, ","))
	if err := c.data(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) GetTask(ctx context.Context, id uint64) (*tasks.Task, error) {
	var t tasks.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/status?id="+strconv.FormatUint(id, 10), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) SetTaskMessage(ctx context.Context, taskID uint64, content string) error {
	path := "/tasks/" + strconv.FormatUint(taskID, 10) + "/message"
	return c.data(ctx, http.MethodPut, path, map[string]string{"content": content}, nil)
}

type sendResp struct {
	Success     bool   `json:"success"`
	TaskID      uint64 `json:"task_id"`
	Status      string `json:"status"`
	UserMessage struct {
		ID uint64 `json:"id"`
	} `json:"user_message"`
}

func (c *Client) SendMessage(ctx context.Context, conversationID uint64, text string) (SendResult, error) {
	var out sendResp
	err := c.do(ctx, http.MethodPost, "/message-send", map[string]any{
		"conversation_id": conversationID,
		"message":         text,
	}, &out)
	if err != nil {
		return SendResult{}, err
	}
	if !out.Success {
		return SendResult{}, errors.New("message-send: server reported failure")
	}
	return SendResult{UserMessageID: out.UserMessage.ID, TaskID: out.TaskID}, nil
}

type Conversation struct {
	ID       uint64 `json:"id"`
	Title    string `json:"title"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (c *Client) CreateConversation(ctx context.Context, title, provider, model string) (*Conversation, error) {
	var out struct {
		Conversation Conversation `json:"conversation"`
	}
	err := c.data(ctx, http.MethodPost, "/chat/conversations", map[string]string{
		"title":    title,
		"provider": provider,
		"model":    model,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out.Conversation, nil
}

type Message struct {
	ID          uint64  `json:"id"`
	Role        string  `json:"role"`
	Content     string  `json:"content"`
	Thinking    *string `json:"thinking,omitempty"`
	AsyncTaskID *uint64 `json:"async_task_id,omitempty"`
}

// ListMessages returns the newest messages first.
func (c *Client) ListMessages(ctx context.Context, conversationID uint64, limit int) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	path := fmt.Sprintf("/chat/conversations/%d/messages?limit=%d", conversationID, limit)
	if err := c.data(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) realtimeURL() (string, error) {
	u, err := url.Parse(c.BaseURL + "/realtime/tasks")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// Subscribe opens the realtime WebSocket. Malformed frames are skipped;
// the channel closes when ctx ends or the connection drops.
func (c *Client) Subscribe(ctx context.Context) (<-chan realtime.Event, error) {
	wsURL, err := c.realtimeURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.Token}},
	})
	if err != nil {
		return nil, err
	}

	out := make(chan realtime.Event, 64)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, raw, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.GetLogger().WithError(err).Debug("realtime read")
				}
				return
			}
			e, err := realtime.Decode(raw)
			if err != nil {
				log.GetLogger().WithError(err).Debug("drop realtime frame")
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
