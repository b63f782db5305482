package main

import (
	"github.com/spf13/cobra"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/service"
)

var (
	submitTask      string
	submitParams    string
	submitPriority  int
	submitRequestID string
	submitDepends   []string
	submitRequester string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task request to the graph queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		params, err := parseJSONMap(submitParams)
		if err != nil {
			return err
		}
		svc, err := e.submitService(ctx)
		if err != nil {
			return err
		}
		out, err := svc.Submit(ctx, service.SubmitInput{
			TaskID:     submitTask,
			Parameters: params,
			Priority:   submitPriority,
			RequestID:  submitRequestID,
			DependsOn:  submitDepends,
			Requester:  submitRequester,
		})
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <request_id>",
	Short: "Show the status of a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		svc, err := e.submitService(ctx)
		if err != nil {
			return err
		}
		out, err := svc.Status(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var resultTrace bool

var resultCmd = &cobra.Command{
	Use:   "result <request_id>",
	Short: "Show the result of a finished request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		svc, err := e.submitService(ctx)
		if err != nil {
			return err
		}
		out, err := svc.Result(ctx, args[0], resultTrace)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <request_id>",
	Short: "Cancel a pending or blocked request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		svc, err := e.submitService(ctx)
		if err != nil {
			return err
		}
		out, err := svc.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var (
	tasksAll    bool
	tasksFilter string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List task definitions in the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		svc, err := e.submitService(ctx)
		if err != nil {
			return err
		}
		out, err := svc.ListTasks(ctx, tasksFilter, !tasksAll)
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

var (
	pendingLimit  int
	pendingStatus string
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending (or otherwise filtered) requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		svc, err := e.submitService(ctx)
		if err != nil {
			return err
		}
		out, err := svc.ListPending(ctx, pendingLimit, consts.RequestStatus(pendingStatus))
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitTask, "task", "", "task_id to run (required)")
	submitCmd.Flags().StringVar(&submitParams, "params", "", "parameters as a JSON object")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "priority 1-1000 (default 100)")
	submitCmd.Flags().StringVar(&submitRequestID, "request-id", "", "idempotency key (generated when empty)")
	submitCmd.Flags().StringArrayVar(&submitDepends, "depends-on", nil, "request_id this request depends on (repeatable)")
	submitCmd.Flags().StringVar(&submitRequester, "requester", "cli", "requester identity")
	_ = submitCmd.MarkFlagRequired("task")

	resultCmd.Flags().BoolVar(&resultTrace, "trace", false, "include the execution trace")
	tasksCmd.Flags().BoolVar(&tasksAll, "all", false, "include disabled tasks")
	tasksCmd.Flags().StringVar(&tasksFilter, "filter", "", "substring filter on task_id")
	pendingCmd.Flags().IntVar(&pendingLimit, "limit", 20, "maximum rows")
	pendingCmd.Flags().StringVar(&pendingStatus, "status", "pending", "status filter (empty for all)")

	rootCmd.AddCommand(submitCmd, statusCmd, resultCmd, cancelCmd, tasksCmd, pendingCmd)
}
