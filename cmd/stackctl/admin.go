package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/dao"
	"github.com/hexfield/stackrunner/internal/model"
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "Read and write operator control flags",
}

var flagsSetCmd = &cobra.Command{
	Use:       "set <key> <on|off>",
	Short:     "Flip the kill switch or the new-task pause",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{consts.FlagKillSwitch, consts.FlagPauseQueue},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, state := args[0], args[1]
		if key != consts.FlagKillSwitch && key != consts.FlagPauseQueue {
			return exitf(exitInput, "unknown flag %q", key)
		}
		var on bool
		switch state {
		case "on":
			on = true
		case "off":
			on = false
		default:
			return exitf(exitInput, "state must be on or off, got %q", state)
		}

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
		if err := dao.NewFlagDao(gdb).Set(ctx, key, on); err != nil {
			return err
		}
		return printJSON(map[string]any{"key": key, "on": on})
	},
}

var flagsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current control flag values",
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
		flags := dao.NewFlagDao(gdb)
		out := map[string]any{}
		for _, key := range []string{consts.FlagKillSwitch, consts.FlagPauseQueue} {
			on, err := flags.IsSet(ctx, key)
			if err != nil {
				return err
			}
			out[key] = on
		}
		return printJSON(out)
	},
}

// catalogFile is the YAML shape consumed by seed.
type catalogFile struct {
	Tasks []catalogTask `yaml:"tasks"`
}

type catalogTask struct {
	TaskID         string            `yaml:"task_id"`
	Type           string            `yaml:"type"`
	Code           string            `yaml:"code"`
	Parameters     map[string]any    `yaml:"parameters"`
	WorkingDir     string            `yaml:"working_dir"`
	Env            map[string]string `yaml:"env"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	Disabled       bool              `yaml:"disabled"`
}

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load task definitions from a YAML catalog file",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(seedFile)
		if err != nil {
			return exitf(exitInput, "read catalog: %v", err)
		}
		var catalog catalogFile
		if err := yaml.Unmarshal(raw, &catalog); err != nil {
			return exitf(exitInput, "parse catalog: %v", err)
		}

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
		tasks := dao.NewTaskDao(gdb)
		seeded := make([]string, 0, len(catalog.Tasks))
		for _, ct := range catalog.Tasks {
			if ct.TaskID == "" {
				return exitf(exitInput, "catalog entry without task_id")
			}
			kind := consts.TaskKind(ct.Type)
			if !consts.ValidKind(kind) {
				return exitf(exitInput, "task %q: unknown type %q", ct.TaskID, ct.Type)
			}
			def := &model.TaskDefinition{
				TaskID:         ct.TaskID,
				Kind:           kind,
				Code:           ct.Code,
				ParamsJSON:     marshalParams(ct.Parameters),
				WorkingDir:     ct.WorkingDir,
				EnvJSON:        marshalEnv(ct.Env),
				TimeoutSeconds: ct.TimeoutSeconds,
				Enabled:        !ct.Disabled,
			}
			if err := tasks.Upsert(ctx, def); err != nil {
				return err
			}
			seeded = append(seeded, ct.TaskID)
		}
		return printJSON(map[string]any{"seeded": seeded, "count": len(seeded)})
	},
}

func marshalEnv(env map[string]string) string {
	if len(env) == 0 {
		return "{}"
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "{}"
	}
	return string(b)
}

var taskEnableCmd = &cobra.Command{
	Use:   "task-enable <task_id> <on|off>",
	Short: "Enable or disable a task definition",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var on bool
		switch args[1] {
		case "on":
			on = true
		case "off":
			on = false
		default:
			return exitf(exitInput, "state must be on or off, got %q", args[1])
		}

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
		if err := dao.NewTaskDao(gdb).SetEnabled(ctx, args[0], on); err != nil {
			if dao.IsNotFound(err) {
				return exitf(exitInput, "unknown task %q", args[0])
			}
			return err
		}
		return printJSON(map[string]any{"task_id": args[0], "enabled": on})
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "tasks.yaml", "catalog file path")

	flagsCmd.AddCommand(flagsSetCmd, flagsShowCmd)
	rootCmd.AddCommand(flagsCmd, seedCmd, taskEnableCmd)
}
