package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/suPer8Hu/ghostwriter/internal/common"
	"github.com/suPer8Hu/ghostwriter/internal/tasks"
)

var ErrNoWebhookURL = errors.New("webhook url not configured")

// Webhook POSTs the dispatch payload to the workflow's webhook URL.
type Webhook struct {
	Client *http.Client
}

func NewWebhook() *Webhook {
	return &Webhook{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (w *Webhook) Dispatch(ctx context.Context, wf tasks.Workflow, p tasks.DispatchPayload) error {
	if w.Client == nil {
		return errors.New("webhook: http client is nil")
	}
	url := strings.TrimSpace(wf.WebhookURL)
	if url == "" {
		return ErrNoWebhookURL
	}

	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	deliveryID, err := common.NewULID()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Delivery-ID", deliveryID)
	req.Header.Set("X-Task-ID", strconv.FormatUint(p.TaskID, 10))
	if wf.WorkflowID != "" {
		req.Header.Set("X-Workflow-ID", wf.WorkflowID)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			return fmt.Errorf("webhook: status %d", resp.StatusCode)
		}
		return fmt.Errorf("webhook: status %d: %s", resp.StatusCode, msg)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
