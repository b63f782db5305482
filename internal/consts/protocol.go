package consts

import "time"

// ResultMarker is the fixed field name whose truthy value identifies a
// structured task result on the last non-empty stdout line. Part of the
// operator-visible task protocol; do not change.
const ResultMarker = "__task_result__"

// Environment variable names supplied to every child process.
const (
	EnvParams  = "TASK_PARAMS"
	EnvContext = "TASK_CONTEXT"
	EnvQueueID = "TASK_QUEUE_ID"
	EnvStackID = "TASK_STACK_ID"
	EnvDB      = "TASK_DB"
)

// Control flag rows in control_flags.
const (
	FlagKillSwitch = "kill_switch"
	FlagPauseQueue = "pause_new_tasks"
	FlagTruthy     = "1"
)

const (
	PriorityMin     = 1
	PriorityMax     = 1000
	PriorityDefault = 100

	DefaultTimeout = 300 * time.Second

	// Errors written back to the graph are truncated to keep nodes small.
	MaxErrorLen = 2000
)

// Cancellation reasons recorded on stack nodes.
const (
	ReasonStackFailed  = "parent stack failed"
	ReasonStackAborted = "stack aborted"
)
