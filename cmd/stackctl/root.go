package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/hexfield/stackrunner/internal/config"
	"github.com/hexfield/stackrunner/internal/dao"
	"github.com/hexfield/stackrunner/internal/graph"
	"github.com/hexfield/stackrunner/internal/migrate"
	"github.com/hexfield/stackrunner/internal/service"
)

// Exit codes: 0 success, 1 no work, 2 input/validation error, 3 kill switch
// engaged, 4 backend error.
const (
	exitOK         = 0
	exitNoWork     = 1
	exitInput      = 2
	exitKillSwitch = 3
	exitBackend    = 4
)

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "stackctl",
	Short:         "Operate the workflow runner: submit requests, run stacks, manage rules",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file path")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		if service.IsValidation(err) {
			os.Exit(exitInput)
		}
		os.Exit(exitBackend)
	}
}

// env lazily opens the stores a command needs.
type env struct {
	cfg   *config.Config
	gdb   *gorm.DB
	store *graph.Store
}

func newEnv() (*env, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, exitf(exitInput, "load config: %v", err)
	}
	return &env{cfg: cfg}, nil
}

func (e *env) sql(ctx context.Context) (*gorm.DB, error) {
	if e.gdb != nil {
		return e.gdb, nil
	}
	gdb, err := dao.OpenSQLite(e.cfg.SQLite.Path, e.cfg.SQLite.BusyTimeoutMS, e.cfg.SQLite.MaxOpenConns)
	if err != nil {
		return nil, exitf(exitBackend, "open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, exitf(exitBackend, "unwrap sqlite: %v", err)
	}
	if err := migrate.Run(ctx, sqlDB); err != nil {
		return nil, exitf(exitBackend, "migrations: %v", err)
	}
	e.gdb = gdb
	return gdb, nil
}

func (e *env) graph(ctx context.Context) (*graph.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	store, err := graph.Open(ctx, e.cfg.Neo4j.URI, e.cfg.Neo4j.Username, e.cfg.Neo4j.Password, e.cfg.Neo4j.Database)
	if err != nil {
		return nil, exitf(exitBackend, "open graph store: %v", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close(ctx)
		return nil, exitf(exitBackend, "graph schema: %v", err)
	}
	e.store = store
	return store, nil
}

func (e *env) submitService(ctx context.Context) (*service.SubmitService, error) {
	gdb, err := e.sql(ctx)
	if err != nil {
		return nil, err
	}
	store, err := e.graph(ctx)
	if err != nil {
		return nil, err
	}
	return service.NewSubmitService(store, dao.NewTaskDao(gdb), dao.NewStackDao(gdb)), nil
}

func (e *env) close(ctx context.Context) {
	if e.store != nil {
		_ = e.store.Close(ctx)
	}
	if e.gdb != nil {
		if sqlDB, err := e.gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Minute)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func marshalParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func parseJSONMap(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, exitf(exitInput, "not a JSON object: %v", err)
	}
	return out, nil
}
