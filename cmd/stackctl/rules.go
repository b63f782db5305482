package main

import (
	"github.com/spf13/cobra"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/model"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage cascade rules",
}

var (
	ruleID       string
	ruleDesc     string
	ruleKind     string
	ruleTask     string
	ruleTemplate string
	rulePriority int
	ruleDisabled bool
)

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create or replace a cascade rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		store, err := e.graph(ctx)
		if err != nil {
			return err
		}
		rule := &model.CascadeRule{
			RuleID:            ruleID,
			Description:       ruleDesc,
			SourceKind:        ruleKind,
			TaskID:            ruleTask,
			ParameterTemplate: ruleTemplate,
			Priority:          rulePriority,
			Enabled:           !ruleDisabled,
		}
		if err := store.UpsertRule(ctx, rule); err != nil {
			return exitf(exitInput, "%v", err)
		}
		return printJSON(rule)
	},
}

var rulesListAll bool

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cascade rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		store, err := e.graph(ctx)
		if err != nil {
			return err
		}
		rules, err := store.ListRules(ctx, !rulesListAll)
		if err != nil {
			return err
		}
		return printJSON(rules)
	},
}

var rulesGetCmd = &cobra.Command{
	Use:   "get <rule_id>",
	Short: "Show one cascade rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		store, err := e.graph(ctx)
		if err != nil {
			return err
		}
		rule, err := store.GetRule(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(rule)
	},
}

func ruleToggleCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := cmdContext()
			defer cancel()
			e, err := newEnv()
			if err != nil {
				return err
			}
			defer e.close(ctx)

			store, err := e.graph(ctx)
			if err != nil {
				return err
			}
			if err := store.SetRuleEnabled(ctx, args[0], enabled); err != nil {
				return err
			}
			return printJSON(map[string]any{"rule_id": args[0], "enabled": enabled})
		},
	}
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <rule_id>",
	Short: "Delete a cascade rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		store, err := e.graph(ctx)
		if err != nil {
			return err
		}
		if err := store.DeleteRule(ctx, args[0]); err != nil {
			return err
		}
		return printJSON(map[string]any{"rule_id": args[0], "deleted": true})
	},
}

var rulesRequestsLimit int

var rulesRequestsCmd = &cobra.Command{
	Use:   "requests <rule_id>",
	Short: "List requests materialized by a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		store, err := e.graph(ctx)
		if err != nil {
			return err
		}
		list, err := store.TriggeredRequests(ctx, args[0], rulesRequestsLimit)
		if err != nil {
			return err
		}
		return printJSON(list)
	},
}

var (
	sourceID     string
	sourceKind   string
	sourceFields string
)

var sourceCommitCmd = &cobra.Command{
	Use:   "commit-source",
	Short: "Commit a source artifact for cascade evaluation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		e, err := newEnv()
		if err != nil {
			return err
		}
		defer e.close(ctx)

		fields, err := parseJSONMap(sourceFields)
		if err != nil {
			return err
		}
		store, err := e.graph(ctx)
		if err != nil {
			return err
		}
		src := model.Source{SourceID: sourceID, Kind: sourceKind, Fields: fields}
		if err := store.CommitSource(ctx, src); err != nil {
			return err
		}
		return printJSON(map[string]any{"source_id": src.SourceID, "cascade_state": "pending"})
	},
}

func init() {
	rulesAddCmd.Flags().StringVar(&ruleID, "id", "", "rule_id (required)")
	rulesAddCmd.Flags().StringVar(&ruleDesc, "description", "", "human description")
	rulesAddCmd.Flags().StringVar(&ruleKind, "source-kind", "", "only fire for this source kind (empty matches all)")
	rulesAddCmd.Flags().StringVar(&ruleTask, "task", "", "task_id to request (required)")
	rulesAddCmd.Flags().StringVar(&ruleTemplate, "template", "{}", "parameter template with $source.<field> placeholders")
	rulesAddCmd.Flags().IntVar(&rulePriority, "priority", consts.PriorityDefault, "request priority")
	rulesAddCmd.Flags().BoolVar(&ruleDisabled, "disabled", false, "create the rule disabled")
	_ = rulesAddCmd.MarkFlagRequired("id")
	_ = rulesAddCmd.MarkFlagRequired("task")

	rulesListCmd.Flags().BoolVar(&rulesListAll, "all", false, "include disabled rules")
	rulesRequestsCmd.Flags().IntVar(&rulesRequestsLimit, "limit", 20, "maximum rows")

	sourceCommitCmd.Flags().StringVar(&sourceID, "id", "", "source id (required)")
	sourceCommitCmd.Flags().StringVar(&sourceKind, "kind", "", "source kind (required)")
	sourceCommitCmd.Flags().StringVar(&sourceFields, "fields", "", "source fields as a JSON object")
	_ = sourceCommitCmd.MarkFlagRequired("id")
	_ = sourceCommitCmd.MarkFlagRequired("kind")

	rulesCmd.AddCommand(rulesAddCmd, rulesListCmd, rulesGetCmd,
		ruleToggleCmd("enable <rule_id>", "Enable a cascade rule", true),
		ruleToggleCmd("disable <rule_id>", "Disable a cascade rule", false),
		rulesDeleteCmd, rulesRequestsCmd)
	rootCmd.AddCommand(rulesCmd, sourceCommitCmd)
}
