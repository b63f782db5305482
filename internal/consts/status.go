package consts

// StackStatus is the lifecycle state of an ExecutionStack. Terminal states
// are final: once a stack leaves "running" neither context nor trace change.
type StackStatus string

const (
	StackRunning   StackStatus = "running"
	StackDone      StackStatus = "done"
	StackFailed    StackStatus = "failed"
	StackCancelled StackStatus = "cancelled"
)

func (s StackStatus) Terminal() bool {
	return s == StackDone || s == StackFailed || s == StackCancelled
}

// NodeStatus covers both stack_queue and task_queue rows.
type NodeStatus string

const (
	NodeQueued    NodeStatus = "queued"
	NodeRunning   NodeStatus = "running"
	NodeDone      NodeStatus = "done"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
)

func (s NodeStatus) Terminal() bool {
	return s == NodeDone || s == NodeFailed || s == NodeCancelled
}

// RequestStatus is the state machine of a TaskRequest node in the graph:
// pending/blocked -> claimed -> executing -> done|failed, or cancelled
// directly from pending/blocked.
type RequestStatus string

const (
	ReqPending   RequestStatus = "pending"
	ReqBlocked   RequestStatus = "blocked"
	ReqClaimed   RequestStatus = "claimed"
	ReqExecuting RequestStatus = "executing"
	ReqDone      RequestStatus = "done"
	ReqFailed    RequestStatus = "failed"
	ReqCancelled RequestStatus = "cancelled"
)

// TaskKind selects how the Subprocess Runner launches a task's code.
type TaskKind string

const (
	KindCLI        TaskKind = "cli"         // shell command template
	KindPython     TaskKind = "python"      // inline source via temp file
	KindPythonFile TaskKind = "python_file" // path relative to working dir
	KindTypeScript TaskKind = "typescript"  // inline source via npx ts-node
)

func ValidKind(k TaskKind) bool {
	switch k {
	case KindCLI, KindPython, KindPythonFile, KindTypeScript:
		return true
	}
	return false
}
