package queue

import (
	"context"
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

type runnerFunc func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error)

func (f runnerFunc) Run(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
	return f(ctx, req)
}

func okExec(r model.TaskResult) *taskexec.ExecResult {
	now := time.Now().UTC()
	return &taskexec.ExecResult{ExitCode: 0, StartedAt: now, FinishedAt: now, Result: r, Structured: true}
}

func testWorker(t *testing.T, run runnerFunc) (*Worker, *gorm.DB) {
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

	w := NewWorker("w-test", time.Minute,
		dao.NewQueueDao(gdb), dao.NewTaskDao(gdb), dao.NewFanoutDao(gdb), dao.NewFlagDao(gdb), run, nil)
	return w, gdb
}

func seedTask(t *testing.T, gdb *gorm.DB, id string, enabled bool) {
	t.Helper()
	def := &model.TaskDefinition{TaskID: id, Kind: consts.KindCLI, Code: "true", Enabled: enabled}
	if err := dao.NewTaskDao(gdb).Create(context.Background(), def); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestRunOnceNoWork(t *testing.T) {
	w, _ := testWorker(t, func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		t.Fatalf("runner must not be called")
		return nil, nil
	})
	res, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Outcome != OutcomeNoWork {
		t.Fatalf("expected no work, got %v", res.Outcome)
	}
}

func TestRunOnceKillSwitch(t *testing.T) {
	w, gdb := testWorker(t, func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		t.Fatalf("runner must not be called")
		return nil, nil
	})
	if err := dao.NewFlagDao(gdb).Set(context.Background(), consts.FlagKillSwitch, true); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	res, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Outcome != OutcomeKillSwitch {
		t.Fatalf("expected kill switch outcome, got %v", res.Outcome)
	}
}

func TestRunOncePaused(t *testing.T) {
	w, gdb := testWorker(t, func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		t.Fatalf("runner must not be called")
		return nil, nil
	})
	ctx := context.Background()
	seedTask(t, gdb, "echo", true)
	if _, _, err := dao.NewQueueDao(gdb).Enqueue(ctx, &model.QueueEntry{RequestID: "req-1", TaskID: "echo"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := dao.NewFlagDao(gdb).Set(ctx, consts.FlagPauseQueue, true); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	res, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Outcome != OutcomeNoWork {
		t.Fatalf("pause must report no work, got %v", res.Outcome)
	}
}

func TestRunOnceExecutesToDone(t *testing.T) {
	w, gdb := testWorker(t, func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		return okExec(model.TaskResult{Output: "done output"}), nil
	})
	ctx := context.Background()
	seedTask(t, gdb, "echo", true)
	if _, _, err := dao.NewQueueDao(gdb).Enqueue(ctx, &model.QueueEntry{RequestID: "req-1", TaskID: "echo"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Outcome != OutcomeExecuted || res.Status != consts.NodeDone {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Output != "done output" {
		t.Fatalf("output lost: %v", res.Output)
	}
	entry, err := dao.NewQueueDao(gdb).Get(ctx, "req-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry.Status != consts.NodeDone {
		t.Fatalf("entry not settled: %s", entry.Status)
	}
}

func TestRunOnceDisabledTaskCancelled(t *testing.T) {
	w, gdb := testWorker(t, func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		t.Fatalf("disabled task must not run")
		return nil, nil
	})
	ctx := context.Background()
	seedTask(t, gdb, "off", false)
	if _, _, err := dao.NewQueueDao(gdb).Enqueue(ctx, &model.QueueEntry{RequestID: "req-1", TaskID: "off"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Status != consts.NodeCancelled {
		t.Fatalf("expected cancelled, got %+v", res)
	}
}

func TestRunOnceFailureRecorded(t *testing.T) {
	w, gdb := testWorker(t, func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		now := time.Now().UTC()
		return &taskexec.ExecResult{ExitCode: 3, Stderr: "broken pipe", StartedAt: now, FinishedAt: now}, nil
	})
	ctx := context.Background()
	seedTask(t, gdb, "echo", true)
	if _, _, err := dao.NewQueueDao(gdb).Enqueue(ctx, &model.QueueEntry{RequestID: "req-1", TaskID: "echo"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Status != consts.NodeFailed {
		t.Fatalf("expected failed, got %+v", res)
	}
	entry, _ := dao.NewQueueDao(gdb).Get(ctx, "req-1")
	if entry.Status != consts.NodeFailed || entry.ErrorMessage == "" {
		t.Fatalf("failure not recorded: %+v", entry)
	}
}

func TestDrainFanoutEnqueuesChildren(t *testing.T) {
	w, gdb := testWorker(t, func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		return okExec(model.TaskResult{Output: "parent"}), nil
	})
	ctx := context.Background()
	seedTask(t, gdb, "parent", true)
	seedTask(t, gdb, "child", true)
	entry, _, err := dao.NewQueueDao(gdb).Enqueue(ctx, &model.QueueEntry{RequestID: "req-p", TaskID: "parent"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	fanout := dao.NewFanoutDao(gdb)
	rows := []*model.FanoutRecord{
		{ParentQueueID: entry.QueueID, ChildTaskID: "child", ChildParamsJSON: `{"k":"v"}`},
		{ParentQueueID: entry.QueueID, InlineKind: string(consts.KindCLI), InlineCode: "echo inline"},
		{ParentQueueID: entry.QueueID}, // malformed, consumed silently
	}
	for _, row := range rows {
		if err := fanout.Add(ctx, row); err != nil {
			t.Fatalf("add fanout: %v", err)
		}
	}

	res, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Children != 2 {
		t.Fatalf("expected 2 children enqueued, got %d", res.Children)
	}
	left, _ := fanout.Unprocessed(ctx, entry.QueueID)
	if len(left) != 0 {
		t.Fatalf("fanout rows not drained: %d left", len(left))
	}
}

func TestCancelledDuringExecutionStands(t *testing.T) {
	var gdb *gorm.DB
	w, db := testWorker(t, func(ctx context.Context, req taskexec.Request) (*taskexec.ExecResult, error) {
		// Operator cancels while the child is running.
		if err := dao.NewQueueDao(gdb).Cancel(ctx, "req-1", "cancelled by operator"); err != nil {
			t.Fatalf("cancel mid-run: %v", err)
		}
		return okExec(model.TaskResult{Output: "too late"}), nil
	})
	gdb = db
	ctx := context.Background()
	seedTask(t, gdb, "echo", true)
	if _, _, err := dao.NewQueueDao(gdb).Enqueue(ctx, &model.QueueEntry{RequestID: "req-1", TaskID: "echo"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Status != consts.NodeCancelled {
		t.Fatalf("cancellation must stand, got %+v", res)
	}
	entry, _ := dao.NewQueueDao(gdb).Get(ctx, "req-1")
	if entry.Status != consts.NodeCancelled {
		t.Fatalf("entry overwritten: %s", entry.Status)
	}
}
