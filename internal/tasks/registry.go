package tasks

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/ghostwriter/internal/config"
)

var ErrUnknownTaskType = errors.New("unknown task_type")

// Workflow is a resolved registry entry.
type Workflow struct {
	TaskType   string
	WorkflowID string
	WebhookURL string
	Timeout    time.Duration
	Transport  string
}

type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

func NewRegistry(entries map[string]config.Workflow) *Registry {
	r := &Registry{workflows: make(map[string]Workflow, len(entries))}
	for name, w := range entries {
		r.Register(name, w)
	}
	return r
}

func (r *Registry) Register(taskType string, w config.Workflow) {
	taskType = strings.ToLower(strings.TrimSpace(taskType))
	timeout := time.Duration(w.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	transport := strings.ToLower(strings.TrimSpace(w.Transport))
	if transport == "" {
		transport = config.TransportWebhook
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[taskType] = Workflow{
		TaskType:   taskType,
		WorkflowID: w.WorkflowID,
		WebhookURL: w.WebhookURL,
		Timeout:    timeout,
		Transport:  transport,
	}
}

func (r *Registry) Lookup(taskType string) (Workflow, error) {
	key := strings.ToLower(strings.TrimSpace(taskType))
	r.mu.RLock()
	w, ok := r.workflows[key]
	r.mu.RUnlock()
	if !ok {
		return Workflow{}, fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	return w, nil
}

// Types lists the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workflows))
	for k := range r.workflows {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
