package model

import (
	"time"

	"github.com/hexfield/stackrunner/internal/consts"
)

// QueueEntry is one row of the non-stack task_queue: a single-task execution
// claimed under a renewable lease. request_id is unique so re-enqueue with
// the same key returns the existing row.
type QueueEntry struct {
	QueueID        int64             `gorm:"column:queue_id;primaryKey;autoIncrement"`
	RequestID      string            `gorm:"column:request_id;uniqueIndex"`
	TaskID         string            `gorm:"column:task_id"`
	Status         consts.NodeStatus `gorm:"column:status"`
	EnqueuedAt     time.Time         `gorm:"column:enqueued_at"`
	StartedAt      *time.Time        `gorm:"column:started_at"`
	FinishedAt     *time.Time        `gorm:"column:finished_at"`
	WorkerID       string            `gorm:"column:worker_id"`
	LeaseExpiresAt *time.Time        `gorm:"column:lease_expires_at"`
	ParamsJSON     string            `gorm:"column:parameters_json"`
	ErrorMessage   string            `gorm:"column:error_message"`
}

func (QueueEntry) TableName() string { return "task_queue" }

func (q *QueueEntry) Params() map[string]any {
	return parseObject(q.ParamsJSON)
}

// FanoutRecord is a child-task request inserted by a running task. After the
// parent completes successfully the queue worker converts unprocessed rows
// into task_queue entries: either a reference to an existing task or an
// inline ephemeral definition.
type FanoutRecord struct {
	FanoutID        int64     `gorm:"column:fanout_id;primaryKey;autoIncrement"`
	ParentQueueID   int64     `gorm:"column:parent_queue_id"`
	ChildTaskID     string    `gorm:"column:child_task_id"`
	ChildParamsJSON string    `gorm:"column:child_parameters_json"`
	InlineKind      string    `gorm:"column:inline_task_type"`
	InlineCode      string    `gorm:"column:inline_code"`
	InlineTimeout   int       `gorm:"column:inline_timeout"`
	Processed       int       `gorm:"column:processed"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (FanoutRecord) TableName() string { return "task_fanout" }

// ControlFlag is a single operator switch, e.g. the kill switch.
type ControlFlag struct {
	Key   string `gorm:"column:key;primaryKey"`
	Value string `gorm:"column:value"`
}

func (ControlFlag) TableName() string { return "control_flags" }
