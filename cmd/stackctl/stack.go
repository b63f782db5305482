package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hexfield/stackrunner/internal/dao"
	"github.com/hexfield/stackrunner/internal/engine"
	"github.com/hexfield/stackrunner/internal/model"
	"github.com/hexfield/stackrunner/internal/taskexec"
)

var stackCmd = &cobra.Command{
	Use:   "stack",
	Short: "Drive execution stacks directly, without the request daemon",
}

func (e *env) engine(ctx context.Context) (*engine.Engine, error) {
	gdb, err := e.sql(ctx)
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	runner := taskexec.NewRunner(e.cfg.Runner.PythonBin, e.cfg.Runner.GracePeriod, e.cfg.SQLite.Path)
	eng := engine.New(dao.NewTaskDao(gdb), dao.NewStackDao(gdb), dao.NewFlagDao(gdb), runner, engine.Options{
		WorkerID: fmt.Sprintf("%s:%d", host, os.Getpid()),
		Lease:    e.cfg.Processor.LeaseDuration,
		RunsDir:  e.cfg.Runner.RunsDir,
	})
	if err := eng.Start(ctx); err != nil {
		return nil, exitf(exitBackend, "start engine: %v", err)
	}
	return eng, nil
}

var (
	startTask      string
	startParams    string
	startRequestID string
	startNoRun     bool
)

var stackStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Create a stack for a task and run it to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		params, err := parseJSONMap(startParams)
		if err != nil {
			return err
		}
		eng, err := e.engine(ctx)
		if err != nil {
			return err
		}
		stackID, err := eng.Create(ctx, startRequestID, startTask, params)
		if err != nil {
			if errors.Is(err, engine.ErrKillSwitch) {
				return exitf(exitKillSwitch, "%v", err)
			}
			return exitf(exitInput, "%v", err)
		}
		if startNoRun {
			return printJSON(map[string]any{"stack_id": stackID, "status": "running"})
		}
		stack, err := eng.RunToCompletion(ctx, stackID)
		if err != nil {
			return err
		}
		return printJSON(stackView(stack, false))
	},
}

var stackResumeCmd = &cobra.Command{
	Use:   "resume <stack_id>",
	Short: "Drain an existing stack to a terminal status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		eng, err := e.engine(ctx)
		if err != nil {
			return err
		}
		stack, err := eng.RunToCompletion(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(stackView(stack, false))
	},
}

var stackStepCmd = &cobra.Command{
	Use:   "step <stack_id>",
	Short: "Execute exactly one node of a stack",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		eng, err := e.engine(ctx)
		if err != nil {
			return err
		}
		more, err := eng.RunOneStep(ctx, args[0])
		if err != nil {
			return err
		}
		gdb, err := e.sql(ctx)
		if err != nil {
			return err
		}
		stack, err := dao.NewStackDao(gdb).GetStack(ctx, args[0])
		if err != nil {
			return err
		}
		out := stackView(stack, false)
		out["more"] = more
		return printJSON(out)
	},
}

var stackStatusTrace bool

var stackStatusCmd = &cobra.Command{
	Use:   "status <stack_id>",
	Short: "Show a stack with its nodes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		gdb, err := e.sql(ctx)
		if err != nil {
			return err
		}
		stacks := dao.NewStackDao(gdb)
		stack, err := stacks.GetStack(ctx, args[0])
		if err != nil {
			if dao.IsNotFound(err) {
				return exitf(exitInput, "stack %q not found", args[0])
			}
			return err
		}
		out := stackView(stack, stackStatusTrace)
		nodes, err := stacks.ListNodes(ctx, stack.StackID)
		if err != nil {
			return err
		}
		type nodeView struct {
			QueueID   int64  `json:"queue_id"`
			RequestID string `json:"request_id"`
			TaskID    string `json:"task_id"`
			Depth     int    `json:"depth"`
			Sequence  int    `json:"sequence"`
			Status    string `json:"status"`
			Error     string `json:"error,omitempty"`
		}
		views := make([]nodeView, 0, len(nodes))
		for _, n := range nodes {
			views = append(views, nodeView{
				QueueID:   n.QueueID,
				RequestID: n.RequestID,
				TaskID:    n.TaskID,
				Depth:     n.Depth,
				Sequence:  n.Sequence,
				Status:    string(n.Status),
				Error:     n.ErrorMessage,
			})
		}
		out["nodes"] = views
		return printJSON(out)
	},
}

func stackView(stack *model.ExecutionStack, includeTrace bool) map[string]any {
	out := map[string]any{
		"stack_id":     stack.StackID,
		"status":       string(stack.Status),
		"task_id":      stack.InitialTaskID,
		"request_id":   stack.InitialRequestID,
		"final_output": stack.FinalOutput(),
	}
	if stack.ErrorMessage != "" {
		out["error"] = stack.ErrorMessage
	}
	if includeTrace {
		out["trace"] = stack.Trace()
	}
	return out
}

func init() {
	stackStartCmd.Flags().StringVar(&startTask, "task", "", "task_id to run (required)")
	stackStartCmd.Flags().StringVar(&startParams, "params", "", "parameters as a JSON object")
	stackStartCmd.Flags().StringVar(&startRequestID, "request-id", "", "idempotency key (generated when empty)")
	stackStartCmd.Flags().BoolVar(&startNoRun, "no-run", false, "create the stack but do not execute it")
	_ = stackStartCmd.MarkFlagRequired("task")

	stackStatusCmd.Flags().BoolVar(&stackStatusTrace, "trace", false, "include the execution trace")

	stackCmd.AddCommand(stackStartCmd, stackResumeCmd, stackStepCmd, stackStatusCmd)
	rootCmd.AddCommand(stackCmd)
}
