package model

import (
	"encoding/json"
	"time"

	"github.com/hexfield/stackrunner/internal/consts"
)

// TaskDefinition is one row of the task catalog. Immutable during a stack
// run; writes happen only through seed/admin operations. Disabling removes a
// task from new submissions but does not affect in-flight stacks.
type TaskDefinition struct {
	TaskID         string          `gorm:"column:task_id;primaryKey"`
	Kind           consts.TaskKind `gorm:"column:task_type"`
	Code           string          `gorm:"column:code"`
	ParamsJSON     string          `gorm:"column:parameters_json"`
	WorkingDir     string          `gorm:"column:working_dir"`
	EnvJSON        string          `gorm:"column:env_json"`
	TimeoutSeconds int             `gorm:"column:timeout_seconds"`
	Enabled        bool            `gorm:"column:enabled"`
	CreatedAt      time.Time       `gorm:"column:created_at"`
}

func (TaskDefinition) TableName() string { return "tasks" }

func (t *TaskDefinition) DefaultParams() map[string]any {
	return parseObject(t.ParamsJSON)
}

func (t *TaskDefinition) Env() map[string]string {
	out := map[string]string{}
	if t.EnvJSON == "" {
		return out
	}
	_ = json.Unmarshal([]byte(t.EnvJSON), &out)
	return out
}

func (t *TaskDefinition) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return consts.DefaultTimeout
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

func parseObject(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// MergeParams overlays queue-supplied parameters on the task defaults.
func MergeParams(defaults, override map[string]any) map[string]any {
	return mergeMaps(defaults, override)
}
