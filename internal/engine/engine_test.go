package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/dao"
	"github.com/hexfield/stackrunner/internal/migrate"
	"github.com/hexfield/stackrunner/internal/model"
	"github.com/hexfield/stackrunner/internal/taskexec"
)

// runnerFunc scripts task outcomes without spawning subprocesses.
type runnerFunc func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error)

func (f runnerFunc) Run(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
	return f(ctx, req)
}

func okResult(r model.TaskResult) *taskexec.ExecResult {
	now := time.Now().UTC()
	return &taskexec.ExecResult{
		ExitCode:   0,
		StartedAt:  now,
		FinishedAt: now,
		Result:     r,
		Structured: true,
	}
}

func testEnv(t *testing.T, run runnerFunc, taskIDs ...string) (*Engine, *gorm.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	gdb, err := dao.OpenSQLite(path, 1000, 1)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("unwrap sqlite: %v", err)
	}
	if err := migrate.Run(context.Background(), sqlDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	tasks := dao.NewTaskDao(gdb)
	for _, id := range taskIDs {
		def := &model.TaskDefinition{TaskID: id, Kind: consts.KindCLI, Code: "true", Enabled: true}
		if err := tasks.Create(context.Background(), def); err != nil {
			t.Fatalf("seed task %s: %v", id, err)
		}
	}

	eng := New(tasks, dao.NewStackDao(gdb), dao.NewFlagDao(gdb), run, Options{WorkerID: "test", Lease: time.Minute})
	return eng, gdb
}

func TestRunSingleTaskToDone(t *testing.T) {
	ctx := context.Background()
	run := runnerFunc(func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		return okResult(model.TaskResult{
			Output:    "hello",
			Variables: map[string]any{"greeted": true},
		}), nil
	})
	eng, _ := testEnv(t, run, "echo")

	stackID, err := eng.Create(ctx, "req-1", "echo", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stack, err := eng.RunToCompletion(ctx, stackID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stack.Status != consts.StackDone {
		t.Fatalf("expected done, got %s (%s)", stack.Status, stack.ErrorMessage)
	}
	if stack.FinalOutput() != "hello" {
		t.Fatalf("final output: %v", stack.FinalOutput())
	}
	if stack.Context().Variables["greeted"] != true {
		t.Fatalf("variables lost: %v", stack.Context().Variables)
	}
	trace := stack.Trace()
	if len(trace) != 1 || trace[0].TaskID != "echo" || trace[0].Status != consts.NodeDone {
		t.Fatalf("unexpected trace: %+v", trace)
	}
}

func TestRecursiveCountdownAccumulates(t *testing.T) {
	ctx := context.Background()
	run := runnerFunc(func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		n := int(req.Params["n"].(float64))
		sum := 0
		if prev, ok := req.Context.Variables["sum"].(float64); ok {
			sum = int(prev)
		}
		sum += n
		result := model.TaskResult{
			Output:    n,
			Variables: map[string]any{"sum": sum},
		}
		if n > 1 {
			result.PushedChildren = []model.PushedChild{
				{TaskID: "countdown", Parameters: map[string]any{"n": float64(n - 1)}},
			}
		}
		return okResult(result), nil
	})
	eng, _ := testEnv(t, run, "countdown")

	stackID, err := eng.Create(ctx, "req-count", "countdown", map[string]any{"n": float64(3)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stack, err := eng.RunToCompletion(ctx, stackID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stack.Status != consts.StackDone {
		t.Fatalf("expected done, got %s (%s)", stack.Status, stack.ErrorMessage)
	}
	if got := stack.Context().Variables["sum"]; got != float64(6) {
		t.Fatalf("expected accumulated sum 6, got %v", got)
	}
	trace := stack.Trace()
	if len(trace) != 3 {
		t.Fatalf("expected 3 trace entries, got %d", len(trace))
	}
	for i, depth := range []int{0, 1, 2} {
		if trace[i].Depth != depth {
			t.Fatalf("trace order wrong: %+v", trace)
		}
	}
}

func TestFanOutRunsLastDeclaredFirst(t *testing.T) {
	ctx := context.Background()
	var executed []string
	run := runnerFunc(func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		executed = append(executed, req.Def.TaskID)
		result := model.TaskResult{Output: req.Def.TaskID}
		if req.Def.TaskID == "root" {
			result.PushedChildren = []model.PushedChild{
				{TaskID: "a"}, {TaskID: "b"}, {TaskID: "c"},
			}
		}
		return okResult(result), nil
	})
	eng, _ := testEnv(t, run, "root", "a", "b", "c")

	stackID, err := eng.Create(ctx, "req-fan", "root", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stack, err := eng.RunToCompletion(ctx, stackID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stack.Status != consts.StackDone {
		t.Fatalf("expected done, got %s", stack.Status)
	}
	want := []string{"root", "c", "b", "a"}
	if len(executed) != len(want) {
		t.Fatalf("executed %v", executed)
	}
	for i := range want {
		if executed[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, executed)
		}
	}
}

func TestAbortCancelsQueuedNodes(t *testing.T) {
	ctx := context.Background()
	run := runnerFunc(func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		result := model.TaskResult{Output: req.Def.TaskID}
		switch req.Def.TaskID {
		case "root":
			result.PushedChildren = []model.PushedChild{
				{TaskID: "x"}, {TaskID: "y"}, {TaskID: "z"},
			}
		case "z":
			result.Abort = true
		}
		return okResult(result), nil
	})
	eng, gdb := testEnv(t, run, "root", "x", "y", "z")

	stackID, err := eng.Create(ctx, "req-abort", "root", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stack, err := eng.RunToCompletion(ctx, stackID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stack.Status != consts.StackCancelled {
		t.Fatalf("abort must cancel the stack, got %s", stack.Status)
	}

	nodes, err := dao.NewStackDao(gdb).ListNodes(ctx, stackID)
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	byTask := map[string]consts.NodeStatus{}
	for _, n := range nodes {
		byTask[n.TaskID] = n.Status
	}
	if byTask["z"] != consts.NodeDone {
		t.Fatalf("aborting node itself finishes done, got %s", byTask["z"])
	}
	if byTask["x"] != consts.NodeCancelled || byTask["y"] != consts.NodeCancelled {
		t.Fatalf("queued siblings must be cancelled: %v", byTask)
	}
	// Aborted stacks do not publish a final output.
	if stack.FinalOutput() != nil {
		t.Fatalf("cancelled stack must have no final output, got %v", stack.FinalOutput())
	}
}

func TestFailureShortCircuits(t *testing.T) {
	ctx := context.Background()
	run := runnerFunc(func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		result := model.TaskResult{Output: req.Def.TaskID}
		if req.Def.TaskID == "root" {
			result.PushedChildren = []model.PushedChild{{TaskID: "good"}, {TaskID: "bad"}}
			return okResult(result), nil
		}
		if req.Def.TaskID == "bad" {
			now := time.Now().UTC()
			return &taskexec.ExecResult{ExitCode: 2, Stderr: "boom", StartedAt: now, FinishedAt: now}, nil
		}
		return okResult(result), nil
	})
	eng, gdb := testEnv(t, run, "root", "good", "bad")

	stackID, err := eng.Create(ctx, "req-fail", "root", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stack, err := eng.RunToCompletion(ctx, stackID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stack.Status != consts.StackFailed {
		t.Fatalf("expected failed, got %s", stack.Status)
	}
	if stack.ErrorMessage == "" {
		t.Fatalf("failed stack must carry an error message")
	}

	nodes, _ := dao.NewStackDao(gdb).ListNodes(ctx, stackID)
	byTask := map[string]consts.NodeStatus{}
	for _, n := range nodes {
		byTask[n.TaskID] = n.Status
	}
	// "bad" has the higher sequence so it runs before "good".
	if byTask["bad"] != consts.NodeFailed {
		t.Fatalf("bad node status: %s", byTask["bad"])
	}
	if byTask["good"] != consts.NodeCancelled {
		t.Fatalf("remaining queued node must be cancelled, got %s", byTask["good"])
	}
}

func TestCreateIdempotent(t *testing.T) {
	ctx := context.Background()
	run := runnerFunc(func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		return okResult(model.TaskResult{}), nil
	})
	eng, _ := testEnv(t, run, "echo")

	first, err := eng.Create(ctx, "req-1", "echo", nil)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := eng.Create(ctx, "req-1", "echo", nil)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first != second {
		t.Fatalf("same request_id must map to one stack: %s vs %s", first, second)
	}
}

func TestCreateUnknownTask(t *testing.T) {
	ctx := context.Background()
	run := runnerFunc(func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		return okResult(model.TaskResult{}), nil
	})
	eng, _ := testEnv(t, run)

	if _, err := eng.Create(ctx, "req-1", "ghost", nil); err == nil {
		t.Fatalf("unknown task must be rejected")
	}
}

func TestCreateRefusedByKillSwitch(t *testing.T) {
	ctx := context.Background()
	run := runnerFunc(func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		return okResult(model.TaskResult{}), nil
	})
	eng, gdb := testEnv(t, run, "echo")

	if err := dao.NewFlagDao(gdb).Set(ctx, consts.FlagKillSwitch, true); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if _, err := eng.Create(ctx, "req-1", "echo", nil); !errors.Is(err, ErrKillSwitch) {
		t.Fatalf("expected ErrKillSwitch, got %v", err)
	}
}
