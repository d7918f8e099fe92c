package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/ghostwriter/internal/chat"
	"github.com/suPer8Hu/ghostwriter/internal/log"
	"github.com/suPer8Hu/ghostwriter/internal/tasks"
)

// ErrBadMessage marks deliveries that can never succeed.
var ErrBadMessage = errors.New("bad dispatch message")

const (
	ReplyFailedMessage     = "The AI model could not answer this message"
	UnsupportedTaskMessage = "This task type is not handled by the worker"
)

// Processor runs dispatched workflows in-process, reporting progress on the
// task row the way an external workflow engine would.
type Processor struct {
	tasks    *tasks.Service
	chat     *chat.Service
	registry *tasks.Registry
	logger   *logrus.Logger
}

func NewProcessor(taskSvc *tasks.Service, chatSvc *chat.Service, registry *tasks.Registry) *Processor {
	return &Processor{tasks: taskSvc, chat: chatSvc, registry: registry, logger: log.GetLogger()}
}

// Handle processes one delivery body. A nil error means the task reached
// a terminal state.
func (p *Processor) Handle(ctx context.Context, body []byte) error {
	var payload tasks.DispatchPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if payload.TaskID == 0 {
		return fmt.Errorf("%w: task_id missing", ErrBadMessage)
	}

	wf, err := p.registry.Lookup(payload.TaskType)
	if err != nil {
		p.fail(payload.TaskID, UnsupportedTaskMessage, err)
		return err
	}

	switch wf.TaskType {
	case "chat":
		return p.handleChat(ctx, wf, payload)
	default:
		err := fmt.Errorf("no handler for task_type %s", wf.TaskType)
		p.fail(payload.TaskID, UnsupportedTaskMessage, err)
		return err
	}
}

func (p *Processor) handleChat(ctx context.Context, wf tasks.Workflow, payload tasks.DispatchPayload) error {
	entry := p.logger.WithFields(logrus.Fields{"task_id": payload.TaskID, "user_id": payload.UserID})

	var in tasks.ChatInput
	if err := json.Unmarshal(payload.InputData, &in); err != nil || in.ConversationID == 0 {
		if err == nil {
			err = errors.New("conversation_id missing")
		}
		p.fail(payload.TaskID, ReplyFailedMessage, err)
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	jctx, cancel := context.WithTimeout(ctx, wf.Timeout)
	defer cancel()

	start := time.Now()
	msg, err := p.chat.GenerateAssistantReply(jctx, payload.UserID, in.ConversationID, payload.TaskID, func(step string) {
		if err := p.tasks.Progress(jctx, payload.TaskID, step); err != nil {
			entry.WithError(err).WithField("step", step).Warn("record progress")
		}
	})
	if err != nil {
		if errors.Is(jctx.Err(), context.DeadlineExceeded) {
			if terr := p.tasks.TimeOut(context.Background(), payload.TaskID); terr != nil {
				entry.WithError(terr).Error("mark task timed out")
			}
		} else {
			p.fail(payload.TaskID, ReplyFailedMessage, err)
		}
		return err
	}

	if err := p.tasks.Complete(ctx, payload.TaskID); err != nil {
		return err
	}
	entry.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"cost":       time.Since(start),
	}).Info("chat task completed")
	return nil
}

// fail uses a fresh context: the job context may already be done.
func (p *Processor) fail(taskID uint64, message string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.tasks.Fail(ctx, taskID, message, cause); err != nil {
		p.logger.WithField("task_id", taskID).WithError(err).Error("mark task failed")
	}
}
