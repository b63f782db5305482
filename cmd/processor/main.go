package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/hexfield/stackrunner/internal/api"
	"github.com/hexfield/stackrunner/internal/config"
	"github.com/hexfield/stackrunner/internal/consts"
	"github.com/hexfield/stackrunner/internal/core"
	"github.com/hexfield/stackrunner/internal/dao"
	"github.com/hexfield/stackrunner/internal/engine"
	"github.com/hexfield/stackrunner/internal/graph"
	"github.com/hexfield/stackrunner/internal/logging"
	"github.com/hexfield/stackrunner/internal/metrics"
	"github.com/hexfield/stackrunner/internal/migrate"
	"github.com/hexfield/stackrunner/internal/processor"
	"github.com/hexfield/stackrunner/internal/queue"
	"github.com/hexfield/stackrunner/internal/service"
	"github.com/hexfield/stackrunner/internal/taskexec"
)

var Version = "v0.1.0"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	migrateFlag := flag.Bool("migrate", true, "apply the SQLite schema on startup")
	withQueueWorker := flag.Bool("queue-worker", false, "also run the flat task_queue worker")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	gdb, err := dao.OpenSQLite(cfg.SQLite.Path, cfg.SQLite.BusyTimeoutMS, cfg.SQLite.MaxOpenConns)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	if err := dao.Ping(gdb, 5, 2*time.Second); err != nil {
		log.Fatalf("ping sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatalf("unwrap sqlite: %v", err)
	}
	defer sqlDB.Close()

	ctx := context.Background()
	if *migrateFlag {
		if err := migrate.Run(ctx, sqlDB); err != nil {
			log.Fatalf("migrations failed: %v", err)
		}
	}

	store, err := graph.Open(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
	if err != nil {
		log.Fatalf("open graph store: %v", err)
	}
	defer store.Close(ctx)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("graph schema: %v", err)
	}

	tasks := dao.NewTaskDao(gdb)
	stacks := dao.NewStackDao(gdb)
	flags := dao.NewFlagDao(gdb)
	queueDao := dao.NewQueueDao(gdb)
	fanout := dao.NewFanoutDao(gdb)
	if err := flags.InitDefaults(ctx); err != nil {
		log.Fatalf("init control flags: %v", err)
	}

	reg := metrics.New()
	host, _ := os.Hostname()
	workerID := fmt.Sprintf("%s:%d", host, os.Getpid())

	runner := taskexec.NewRunner(cfg.Runner.PythonBin, cfg.Runner.GracePeriod, cfg.SQLite.Path)
	eng := engine.New(tasks, stacks, flags, runner, engine.Options{
		WorkerID: workerID,
		Lease:    cfg.Processor.LeaseDuration,
		RunsDir:  cfg.Runner.RunsDir,
	})

	daemon := processor.NewDaemon(store, eng, flags, reg, processor.Options{
		WorkerID:          workerID,
		PollInterval:      cfg.Processor.PollInterval,
		SettleBackoffBase: cfg.Processor.SettleBackoffBase,
		SettleBackoffMax:  cfg.Processor.SettleBackoffMax,
		WorkerTimeout:     cfg.Processor.WorkerTimeout,
	})
	watcher := processor.NewSourceWatcher(store, reg, cfg.Processor.WatchInterval)

	router := api.NewRouter(api.Dependencies{
		Submit:  service.NewSubmitService(store, tasks, stacks),
		Rules:   store,
		Flags:   flags,
		Metrics: reg,
		Version: Version,
	})
	httpServer := api.NewServerComponent(cfg.Server.Address(), cfg.Server.GracefulTimeout, router)

	container := core.NewContainer()
	mustRegister(container, consts.CompLogging, logging.NewZapLoggerComponent(cfg.Logging))
	mustRegister(container, consts.CompEngine, eng)
	mustRegister(container, consts.CompProcessor, daemon)
	mustRegister(container, consts.CompWatcher, watcher)
	mustRegister(container, consts.CompHTTPServer, httpServer)
	if *withQueueWorker {
		worker := queue.NewWorker(workerID, cfg.Queue.LeaseDuration, queueDao, tasks, fanout, flags, runner, reg)
		mustRegister(container, consts.CompQueueWorker, queue.NewWorkerComponent(worker, cfg.Queue.PollInterval))
	}

	lifecycle := core.NewLifecycleManager(container)
	lifecycle.SetTimeout(cfg.Processor.WorkerTimeout + 30*time.Second)
	if err := lifecycle.StartAll(ctx); err != nil {
		log.Fatalf("start components: %v", err)
	}
	lifecycle.WaitForShutdown(ctx)
}

func mustRegister(c *core.Container, name string, comp core.Component) {
	if err := c.Register(name, comp); err != nil {
		log.Fatalf("register %s: %v", name, err)
	}
}
