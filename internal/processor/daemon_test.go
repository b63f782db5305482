package processor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/dao"
	"github.com/hexfield/stackrunner/internal/migrate"
	"github.com/hexfield/stackrunner/internal/model"
)

// fakeQueue scripts the graph side of one daemon cycle.
type fakeQueue struct {
	next      *model.TaskRequest
	executing []string
	done      map[string]string
	failed    map[string]string
	resolved  int
	failMarks int
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{done: map[string]string{}, failed: map[string]string{}}
}

func (f *fakeQueue) ClaimNext(ctx context.Context, workerID string) (*model.TaskRequest, error) {
	req := f.next
	f.next = nil
	return req, nil
}

func (f *fakeQueue) MarkExecuting(ctx context.Context, requestID string) error {
	f.executing = append(f.executing, requestID)
	return nil
}

func (f *fakeQueue) MarkDone(ctx context.Context, requestID, resultRef string) error {
	if f.failMarks > 0 {
		f.failMarks--
		return errors.New("transient graph error")
	}
	f.done[requestID] = resultRef
	return nil
}

func (f *fakeQueue) MarkFailed(ctx context.Context, requestID, errMsg string) error {
	f.failed[requestID] = errMsg
	return nil
}

func (f *fakeQueue) ResolveBlocked(ctx context.Context) (int, error) {
	f.resolved++
	return 0, nil
}

// fakeEngine scripts stack execution.
type fakeEngine struct {
	stack   *model.ExecutionStack
	created []string
	err     error
}

func (f *fakeEngine) Create(ctx context.Context, requestID, taskID string, params map[string]any) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, requestID)
	return f.stack.StackID, nil
}

func (f *fakeEngine) RunToCompletion(ctx context.Context, stackID string) (*model.ExecutionStack, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stack, nil
}

func testFlags(t *testing.T) dao.FlagDao {
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
	return dao.NewFlagDao(gdb)
}

func testOptions() Options {
	return Options{
		WorkerID:          "w-test",
		PollInterval:      time.Millisecond,
		SettleBackoffBase: time.Millisecond,
		SettleBackoffMax:  5 * time.Millisecond,
		WorkerTimeout:     time.Second,
	}
}

func TestRunOnceIdle(t *testing.T) {
	q := newFakeQueue()
	d := NewDaemon(q, &fakeEngine{}, testFlags(t), nil, testOptions())

	worked, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if worked {
		t.Fatalf("empty queue must report no work")
	}
}

func TestRunOnceSettlesDone(t *testing.T) {
	q := newFakeQueue()
	q.next = &model.TaskRequest{RequestID: "req-1", TaskID: "echo"}
	eng := &fakeEngine{stack: &model.ExecutionStack{StackID: "stack-1", Status: consts.StackDone}}
	d := NewDaemon(q, eng, testFlags(t), nil, testOptions())

	worked, err := d.RunOnce(context.Background())
	if err != nil || !worked {
		t.Fatalf("run once: %v worked=%v", err, worked)
	}
	if len(q.executing) != 1 || q.executing[0] != "req-1" {
		t.Fatalf("executing transition missing: %v", q.executing)
	}
	if q.done["req-1"] != "stack-1" {
		t.Fatalf("done settlement missing: %v", q.done)
	}
	if q.resolved != 1 {
		t.Fatalf("done settlement must kick dependency resolution, got %d", q.resolved)
	}
}

func TestRunOnceSettlesFailedStack(t *testing.T) {
	q := newFakeQueue()
	q.next = &model.TaskRequest{RequestID: "req-1", TaskID: "echo"}
	eng := &fakeEngine{stack: &model.ExecutionStack{
		StackID:      "stack-1",
		Status:       consts.StackFailed,
		ErrorMessage: "task echo failed: exit code 1",
	}}
	d := NewDaemon(q, eng, testFlags(t), nil, testOptions())

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if q.failed["req-1"] != "task echo failed: exit code 1" {
		t.Fatalf("failed settlement missing: %v", q.failed)
	}
	if q.resolved != 0 {
		t.Fatalf("failed settlement must not resolve dependencies")
	}
}

func TestRunOnceEngineErrorSettlesFailed(t *testing.T) {
	q := newFakeQueue()
	q.next = &model.TaskRequest{RequestID: "req-1", TaskID: "echo"}
	d := NewDaemon(q, &fakeEngine{err: errors.New("sqlite locked")}, testFlags(t), nil, testOptions())

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if q.failed["req-1"] == "" {
		t.Fatalf("engine error must settle failed: %v", q.failed)
	}
}

func TestSettleRetriesUntilSuccess(t *testing.T) {
	q := newFakeQueue()
	q.next = &model.TaskRequest{RequestID: "req-1", TaskID: "echo"}
	q.failMarks = 2
	eng := &fakeEngine{stack: &model.ExecutionStack{StackID: "stack-1", Status: consts.StackDone}}
	d := NewDaemon(q, eng, testFlags(t), nil, testOptions())

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if q.done["req-1"] != "stack-1" {
		t.Fatalf("settlement must retry past transient errors: %v", q.done)
	}
}

func TestRunOnceKillSwitchSkipsClaim(t *testing.T) {
	q := newFakeQueue()
	q.next = &model.TaskRequest{RequestID: "req-1", TaskID: "echo"}
	flags := testFlags(t)
	if err := flags.Set(context.Background(), consts.FlagKillSwitch, true); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	d := NewDaemon(q, &fakeEngine{}, flags, nil, testOptions())

	worked, err := d.RunOnce(context.Background())
	if err != nil || worked {
		t.Fatalf("kill switch must skip claiming: %v worked=%v", err, worked)
	}
	if q.next == nil {
		t.Fatalf("request was claimed despite kill switch")
	}
}

func TestBackoffCapsAndGrows(t *testing.T) {
	base := 10 * time.Millisecond
	max := 80 * time.Millisecond

	if d := backoff(0, base, max); d < base || d > base+base/4 {
		t.Fatalf("attempt 0 out of range: %v", d)
	}
	if d := backoff(2, base, max); d < 40*time.Millisecond {
		t.Fatalf("attempt 2 should be >= 40ms: %v", d)
	}
	if d := backoff(10, base, max); d > max+max/4 {
		t.Fatalf("backoff must cap at max+jitter: %v", d)
	}
}
