package dispatch

import (
	"context"
	"encoding/json"

	"github.com/suPer8Hu/ghostwriter/internal/common"
	"github.com/suPer8Hu/ghostwriter/internal/tasks"
)

// Publisher is satisfied by rabbitmq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, messageID string, headers map[string]any, body []byte) error
}

// Queue hands payloads to the in-repo worker over AMQP.
type Queue struct {
	pub Publisher
}

func NewQueue(pub Publisher) *Queue {
	return &Queue{pub: pub}
}

func (q *Queue) Dispatch(ctx context.Context, wf tasks.Workflow, p tasks.DispatchPayload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	id, err := common.NewULID()
	if err != nil {
		return err
	}
	return q.pub.Publish(ctx, id, map[string]any{
		"workflow_id": wf.WorkflowID,
		"task_type":   wf.TaskType,
	}, b)
}
