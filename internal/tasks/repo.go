package tasks

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("task not found")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, t *Task) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) GetByID(ctx context.Context, id uint64) (*Task, error) {
	var t Task
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ListActive returns the user's pending/processing tasks of a conversation,
// oldest first.
func (r *Repo) ListActive(ctx context.Context, userID, conversationID uint64) ([]Task, error) {
	var out []Task
	if err := r.db.WithContext(ctx).
		Where("created_by = ? AND conversation_id = ? AND status IN ?", userID, conversationID, ActiveStatuses).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListSettled returns the tasks among ids that reached a terminal status.
func (r *Repo) ListSettled(ctx context.Context, userID uint64, ids []uint64) ([]Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []Task
	if err := r.db.WithContext(ctx).
		Where("created_by = ? AND id IN ? AND status IN ?", userID, ids, TerminalStatuses).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MarkFailed is a single-row patch; last write wins with the workflow engine.
func (r *Repo) MarkFailed(ctx context.Context, id uint64, message string, details JSON) error {
	return r.settle(ctx, id, StatusFailed, message, details)
}

// MarkTimedOut only applies while the task is still active.
func (r *Repo) MarkTimedOut(ctx context.Context, id uint64, message string) error {
	return r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status IN ?", id, ActiveStatuses).
		Updates(map[string]any{
			"status":         StatusTimeout,
			"status_message": message,
		}).Error
}

func (r *Repo) settle(ctx context.Context, id uint64, status Status, message string, details JSON) error {
	return r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         status,
			"status_message": message,
			"error_details":  details,
		}).Error
}

// MarkProgress moves a task to processing and records the step.
func (r *Repo) MarkProgress(ctx context.Context, id uint64, step, message string) error {
	return r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status IN ?", id, ActiveStatuses).
		Updates(map[string]any{
			"status":         StatusProcessing,
			"current_step":   step,
			"status_message": message,
		}).Error
}

func (r *Repo) MarkCompleted(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         StatusCompleted,
			"current_step":   nil,
			"status_message": nil,
			"error_details":  nil,
		}).Error
}
