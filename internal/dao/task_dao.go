package dao

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/hexfield/stackrunner/internal/model"
)

var ErrNotFound = gorm.ErrRecordNotFound

type TaskDao interface {
	Create(ctx context.Context, t *model.TaskDefinition) error
	Upsert(ctx context.Context, t *model.TaskDefinition) error
	Get(ctx context.Context, taskID string) (*model.TaskDefinition, error)
	List(ctx context.Context, enabledOnly bool) ([]*model.TaskDefinition, error)
	SetEnabled(ctx context.Context, taskID string, enabled bool) error
}

type taskDaoImpl struct{ db *gorm.DB }

func NewTaskDao(db *gorm.DB) TaskDao { return &taskDaoImpl{db: db} }

func (r *taskDaoImpl) Create(ctx context.Context, t *model.TaskDefinition) error {
	normalizeTask(t)
	return r.db.WithContext(ctx).Create(t).Error
}

// Upsert replaces the full definition, used by catalog seeding.
func (r *taskDaoImpl) Upsert(ctx context.Context, t *model.TaskDefinition) error {
	normalizeTask(t)
	res := r.db.WithContext(ctx).Model(&model.TaskDefinition{}).
		Where("task_id=?", t.TaskID).
		Updates(map[string]interface{}{
			"task_type":       t.Kind,
			"code":            t.Code,
			"parameters_json": t.ParamsJSON,
			"working_dir":     t.WorkingDir,
			"env_json":        t.EnvJSON,
			"timeout_seconds": t.TimeoutSeconds,
			"enabled":         t.Enabled,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.db.WithContext(ctx).Create(t).Error
	}
	return nil
}

func (r *taskDaoImpl) Get(ctx context.Context, taskID string) (*model.TaskDefinition, error) {
	var t model.TaskDefinition
	if err := r.db.WithContext(ctx).Where("task_id=?", taskID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *taskDaoImpl) List(ctx context.Context, enabledOnly bool) ([]*model.TaskDefinition, error) {
	q := r.db.WithContext(ctx).Order("task_id")
	if enabledOnly {
		q = q.Where("enabled=?", true)
	}
	var list []*model.TaskDefinition
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (r *taskDaoImpl) SetEnabled(ctx context.Context, taskID string, enabled bool) error {
	res := r.db.WithContext(ctx).Model(&model.TaskDefinition{}).
		Where("task_id=?", taskID).
		Update("enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizeTask(t *model.TaskDefinition) {
	if strings.TrimSpace(t.ParamsJSON) == "" {
		t.ParamsJSON = "{}"
	}
	if strings.TrimSpace(t.EnvJSON) == "" {
		t.EnvJSON = "{}"
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
}

// IsNotFound reports whether err is the missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
