package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hexfield/stackrunner/internal/dao"
	"github.com/hexfield/stackrunner/internal/model"
	"github.com/hexfield/stackrunner/internal/queue"
	"github.com/hexfield/stackrunner/internal/taskexec"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Operate the flat task queue",
}

var (
	enqueueTask      string
	enqueueParams    string
	enqueueRequestID string
)

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Append a single task execution to the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		params, err := parseJSONMap(enqueueParams)
		if err != nil {
			return err
		}
		gdb, err := e.sql(ctx)
		if err != nil {
			return err
		}
		if _, err := dao.NewTaskDao(gdb).Get(ctx, enqueueTask); err != nil {
			if dao.IsNotFound(err) {
				return exitf(exitInput, "unknown task %q", enqueueTask)
			}
			return err
		}

		requestID := enqueueRequestID
		if requestID == "" {
			requestID = uuid.New().String()
		}
		entry, isNew, err := dao.NewQueueDao(gdb).Enqueue(ctx, &model.QueueEntry{
			RequestID:  requestID,
			TaskID:     enqueueTask,
			ParamsJSON: marshalParams(params),
		})
		if err != nil {
			return err
		}
		return printJSON(map[string]any{
			"queue_id":   entry.QueueID,
			"request_id": entry.RequestID,
			"status":     string(entry.Status),
			"is_new":     isNew,
		})
	},
}

var queueRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Claim and execute at most one queue entry",
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
		host, _ := os.Hostname()
		workerID := fmt.Sprintf("%s:%d", host, os.Getpid())
		runner := taskexec.NewRunner(e.cfg.Runner.PythonBin, e.cfg.Runner.GracePeriod, e.cfg.SQLite.Path)
		worker := queue.NewWorker(workerID, e.cfg.Queue.LeaseDuration,
			dao.NewQueueDao(gdb), dao.NewTaskDao(gdb), dao.NewFanoutDao(gdb), dao.NewFlagDao(gdb), runner, nil)

		res, err := worker.RunOnce(ctx)
		if err != nil {
			return err
		}
		switch res.Outcome {
		case queue.OutcomeKillSwitch:
			return exitf(exitKillSwitch, "kill switch is active")
		case queue.OutcomeNoWork:
			return exitf(exitNoWork, "no work available")
		}
		return printJSON(res)
	},
}

var queueStatusCmd = &cobra.Command{
	Use:   "status <request_id>",
	Short: "Show one queue entry",
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
		entry, err := dao.NewQueueDao(gdb).Get(ctx, args[0])
		if err != nil {
			if dao.IsNotFound(err) {
				return exitf(exitInput, "request %q not found", args[0])
			}
			return err
		}
		return printJSON(map[string]any{
			"queue_id":   entry.QueueID,
			"request_id": entry.RequestID,
			"task_id":    entry.TaskID,
			"status":     string(entry.Status),
			"worker_id":  entry.WorkerID,
			"error":      entry.ErrorMessage,
		})
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <request_id>",
	Short: "Cancel a queued or running entry",
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
		if err := dao.NewQueueDao(gdb).Cancel(ctx, args[0], "cancelled by operator"); err != nil {
			if dao.IsNotFound(err) {
				return exitf(exitInput, "request %q is not cancellable", args[0])
			}
			return err
		}
		return printJSON(map[string]any{"request_id": args[0], "status": "cancelled"})
	},
}

func init() {
	queueEnqueueCmd.Flags().StringVar(&enqueueTask, "task", "", "task_id to run (required)")
	queueEnqueueCmd.Flags().StringVar(&enqueueParams, "params", "", "parameters as a JSON object")
	queueEnqueueCmd.Flags().StringVar(&enqueueRequestID, "request-id", "", "idempotency key (generated when empty)")
	_ = queueEnqueueCmd.MarkFlagRequired("task")

	queueCmd.AddCommand(queueEnqueueCmd, queueRunCmd, queueStatusCmd, queueCancelCmd)
	rootCmd.AddCommand(queueCmd)
}
