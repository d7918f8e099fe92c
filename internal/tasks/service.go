package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/ghostwriter/internal/log"
)

var (
	ErrMissingFields  = errors.New("missing required fields: task_type and input_data")
	ErrInputNotObject = errors.New("input_data must be a JSON object")
)

const DispatchFailedMessage = "Failed to start the workflow"

// Dispatcher hands a created task to its workflow. Implementations must not
// retry: a dispatch is attempted exactly once.
type Dispatcher interface {
	Dispatch(ctx context.Context, wf Workflow, p DispatchPayload) error
}

// ChangeNotifier publishes row changes to realtime subscribers.
type ChangeNotifier interface {
	TaskChanged(ctx context.Context, change ChangeType, t *Task) error
}

type nopNotifier struct{}

func (nopNotifier) TaskChanged(context.Context, ChangeType, *Task) error { return nil }

type Service struct {
	repo            *Repo
	registry        *Registry
	dispatcher      Dispatcher
	notifier        ChangeNotifier
	dispatchTimeout time.Duration
	logger          *logrus.Logger

	inflight sync.WaitGroup
	now      func() time.Time
}

func NewService(repo *Repo, registry *Registry, dispatcher Dispatcher, notifier ChangeNotifier, dispatchTimeout time.Duration) *Service {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if dispatchTimeout <= 0 {
		dispatchTimeout = 30 * time.Second
	}
	return &Service{
		repo:            repo,
		registry:        registry,
		dispatcher:      dispatcher,
		notifier:        notifier,
		dispatchTimeout: dispatchTimeout,
		logger:          log.GetLogger(),
		now:             time.Now,
	}
}

type CreateResult struct {
	Task     *Task
	Workflow Workflow
}

// CreateTask persists a pending task and fires its workflow without waiting
// for it. Dispatch errors never reach the caller; they are written onto the
// task row instead.
func (s *Service) CreateTask(ctx context.Context, userID uint64, taskType string, input JSON) (*CreateResult, error) {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" || input.Empty() {
		return nil, ErrMissingFields
	}
	if !input.IsObject() {
		return nil, ErrInputNotObject
	}
	wf, err := s.registry.Lookup(taskType)
	if err != nil {
		return nil, err
	}

	msg := InitialStatusMessage
	t := &Task{
		TaskType:       wf.TaskType,
		WorkflowID:     wf.WorkflowID,
		WebhookURL:     wf.WebhookURL,
		InputData:      input,
		ConversationID: ConversationIDOf(input),
		CreatedBy:      userID,
		Status:         StatusPending,
		StatusMessage:  &msg,
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}

	s.notify(ctx, ChangeInsert, t)

	payload := DispatchPayload{
		TaskID:    t.ID,
		TaskType:  t.TaskType,
		InputData: t.InputData,
		UserID:    userID,
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.dispatch(wf, payload)
	}()

	return &CreateResult{Task: t, Workflow: wf}, nil
}

func (s *Service) dispatch(wf Workflow, p DispatchPayload) {
	// detached from the request: the caller already has its response
	ctx, cancel := context.WithTimeout(context.Background(), s.dispatchTimeout)
	defer cancel()

	entry := s.logger.WithFields(logrus.Fields{
		"task_id":   p.TaskID,
		"task_type": p.TaskType,
		"transport": wf.Transport,
	})

	start := time.Now()
	err := s.dispatcher.Dispatch(ctx, wf, p)
	if err == nil {
		entry.WithField("cost", time.Since(start)).Debug("workflow dispatched")
		return
	}
	entry.WithError(err).Warn("workflow dispatch failed")

	details, mErr := json.Marshal(map[string]any{
		"error":       err.Error(),
		"webhook_url": wf.WebhookURL,
		"timestamp":   s.now().UTC().Format(time.RFC3339Nano),
	})
	if mErr != nil {
		entry.WithError(mErr).Error("encode error_details")
		return
	}

	uctx, ucancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ucancel()
	if err := s.repo.MarkFailed(uctx, p.TaskID, DispatchFailedMessage, JSON(details)); err != nil {
		entry.WithError(err).Error("record dispatch failure")
		return
	}
	if t, err := s.repo.GetByID(uctx, p.TaskID); err == nil {
		s.notify(uctx, ChangeUpdate, t)
	}
}

func (s *Service) notify(ctx context.Context, change ChangeType, t *Task) {
	if err := s.notifier.TaskChanged(ctx, change, t); err != nil {
		s.logger.WithFields(logrus.Fields{
			"task_id": t.ID,
			"change":  change,
		}).WithError(err).Warn("publish task change")
	}
}

// Wait blocks until detached dispatches have finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// GetTask returns the task when it belongs to userID. Foreign tasks are
// reported as ErrNotFound to hide their existence.
func (s *Service) GetTask(ctx context.Context, userID, id uint64) (*Task, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.CreatedBy != userID {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *Service) ListActive(ctx context.Context, userID, conversationID uint64) ([]Task, error) {
	return s.repo.ListActive(ctx, userID, conversationID)
}

func (s *Service) ListSettled(ctx context.Context, userID uint64, ids []uint64) ([]Task, error) {
	return s.repo.ListSettled(ctx, userID, ids)
}

// Progress records a workflow step and publishes the change.
func (s *Service) Progress(ctx context.Context, id uint64, step string) error {
	if err := s.repo.MarkProgress(ctx, id, step, stepPhrases[step]); err != nil {
		return err
	}
	s.publishCurrent(ctx, id)
	return nil
}

func (s *Service) Complete(ctx context.Context, id uint64) error {
	if err := s.repo.MarkCompleted(ctx, id); err != nil {
		return err
	}
	s.publishCurrent(ctx, id)
	return nil
}

// Fail marks the task failed with a reason and publishes the change.
func (s *Service) Fail(ctx context.Context, id uint64, message string, cause error) error {
	details := map[string]any{"timestamp": s.now().UTC().Format(time.RFC3339Nano)}
	if cause != nil {
		details["error"] = cause.Error()
	}
	b, err := json.Marshal(details)
	if err != nil {
		return err
	}
	if err := s.repo.MarkFailed(ctx, id, message, JSON(b)); err != nil {
		return err
	}
	s.publishCurrent(ctx, id)
	return nil
}

// TimeOut marks an active task as timed out.
func (s *Service) TimeOut(ctx context.Context, id uint64) error {
	if err := s.repo.MarkTimedOut(ctx, id, statusPhrases[StatusTimeout]); err != nil {
		return err
	}
	s.publishCurrent(ctx, id)
	return nil
}

func (s *Service) publishCurrent(ctx context.Context, id uint64) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		s.logger.WithField("task_id", id).WithError(err).Warn("reload task for publish")
		return
	}
	s.notify(ctx, ChangeUpdate, t)
}
