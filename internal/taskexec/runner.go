package taskexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/logging"
	"github.com/hexfield/stackrunner/internal/model"
)

// TaskRunner executes one task invocation. The engine and the queue worker
// depend on this interface so tests can script results without subprocesses.
type TaskRunner interface {
	Run(ctx context.Context, req Request) (*ExecResult, error)
}

// Request carries everything a child process needs for one invocation.
type Request struct {
	Def     *model.TaskDefinition
	Params  map[string]any
	Context model.Context
	QueueID int64
	StackID string
}

// Cost is the resource usage of the finished child, best effort.
type Cost struct {
	UserTimeMS   int64 `json:"user_time_ms"`
	SystemTimeMS int64 `json:"system_time_ms"`
	MaxRSSKB     int64 `json:"max_rss_kb"`
}

// ExecResult is the full outcome of one child process run.
type ExecResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	TimedOut   bool
	StartedAt  time.Time
	FinishedAt time.Time
	Cost       Cost
	// Result is the parsed task result; Structured reports whether the
	// marker protocol was honored or the raw-string fallback applied.
	Result     model.TaskResult
	Structured bool
}

// Runner launches task code in a child process. On timeout the child gets
// SIGTERM, then SIGKILL after the grace period.
type Runner struct {
	PythonBin   string
	GracePeriod time.Duration
	DBPath      string
}

func NewRunner(pythonBin string, grace time.Duration, dbPath string) *Runner {
	if pythonBin == "" {
		pythonBin = "python3"
	}
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Runner{PythonBin: pythonBin, GracePeriod: grace, DBPath: dbPath}
}

func (r *Runner) Run(ctx context.Context, req Request) (*ExecResult, error) {
	if req.Def == nil {
		return nil, errors.New("taskexec: nil task definition")
	}
	if !consts.ValidKind(req.Def.Kind) {
		return nil, fmt.Errorf("taskexec: unknown task type %q", req.Def.Kind)
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Def.Timeout())
	defer cancel()

	cmd, cleanup, err := r.buildCommand(runCtx, req)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	cmd.Env = r.buildEnv(req)
	if req.Def.WorkingDir != "" {
		cmd.Dir = req.Def.WorkingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children never read stdin; exec wires it to the null device.
	cmd.Stdin = nil
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.GracePeriod

	started := time.Now().UTC()
	runErr := cmd.Run()
	finished := time.Now().UTC()

	res := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		StartedAt:  started,
		FinishedAt: finished,
		TimedOut:   runCtx.Err() == context.DeadlineExceeded,
	}

	switch {
	case runErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("taskexec: launch %s: %w", req.Def.TaskID, runErr)
		}
	}
	if cmd.ProcessState != nil {
		res.Cost = costOf(cmd.ProcessState)
	}

	res.Result, res.Structured = ParseResult(res.Stdout)

	logging.Debug(ctx, "task process finished",
		zap.String("task_id", req.Def.TaskID),
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("timed_out", res.TimedOut),
		zap.Int64("duration_ms", finished.Sub(started).Milliseconds()),
	)
	return res, nil
}

func (r *Runner) buildCommand(ctx context.Context, req Request) (*exec.Cmd, func(), error) {
	noop := func() {}
	switch req.Def.Kind {
	case consts.KindCLI:
		command := renderCommand(req.Def.Code, req.Params)
		return exec.CommandContext(ctx, "sh", "-c", command), noop, nil

	case consts.KindPython:
		path, cleanup, err := writeTemp("task-*.py", req.Def.Code)
		if err != nil {
			return nil, noop, err
		}
		return exec.CommandContext(ctx, r.PythonBin, path), cleanup, nil

	case consts.KindPythonFile:
		path := req.Def.Code
		if !filepath.IsAbs(path) && req.Def.WorkingDir != "" {
			path = filepath.Join(req.Def.WorkingDir, path)
		}
		return exec.CommandContext(ctx, r.PythonBin, path), noop, nil

	case consts.KindTypeScript:
		path, cleanup, err := writeTemp("task-*.ts", req.Def.Code)
		if err != nil {
			return nil, noop, err
		}
		return exec.CommandContext(ctx, "npx", "ts-node", path), cleanup, nil
	}
	return nil, noop, fmt.Errorf("taskexec: unknown task type %q", req.Def.Kind)
}

func (r *Runner) buildEnv(req Request) []string {
	env := os.Environ()
	for k, v := range req.Def.Env() {
		env = append(env, k+"="+v)
	}
	env = append(env,
		consts.EnvParams+"="+mustJSON(req.Params),
		consts.EnvContext+"="+req.Context.JSON(),
		consts.EnvQueueID+"="+strconv.FormatInt(req.QueueID, 10),
		consts.EnvStackID+"="+req.StackID,
		consts.EnvDB+"="+r.DBPath,
	)
	return env
}

// renderCommand substitutes {name} placeholders in a cli template with the
// parameter's string form. Unknown placeholders are left as-is.
func renderCommand(template string, params map[string]any) string {
	out := template
	for name, value := range params {
		out = strings.ReplaceAll(out, "{"+name+"}", paramString(value))
	}
	return out
}

func paramString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return mustJSON(t)
	}
}

func mustJSON(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func writeTemp(pattern, content string) (string, func(), error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", func() {}, fmt.Errorf("taskexec: temp file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", func() {}, fmt.Errorf("taskexec: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", func() {}, err
	}
	name := f.Name()
	return name, func() { os.Remove(name) }, nil
}
