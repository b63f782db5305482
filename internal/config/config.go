package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hexfield/stackrunner/internal/logging"
)

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
}

func (s ServerConfig) Address() string { return s.Host + ":" + strconv.Itoa(s.Port) }

type SQLiteConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
}

type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type ProcessorConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	// SettleBackoff bounds the retry backoff when writing a settlement back
	// to the graph fails.
	SettleBackoffBase time.Duration `yaml:"settle_backoff_base"`
	SettleBackoffMax  time.Duration `yaml:"settle_backoff_max"`
	// WorkerTimeout is the aggregate budget granted to the in-flight request
	// at shutdown before it is settled failed("worker timeout").
	WorkerTimeout time.Duration `yaml:"worker_timeout"`
	// WatchInterval drives the cascade source watcher poll.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

type QueueConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
}

type RunnerConfig struct {
	// GracePeriod between SIGTERM and SIGKILL on timeout.
	GracePeriod time.Duration `yaml:"grace_period"`
	PythonBin   string        `yaml:"python_bin"`
	RunsDir     string        `yaml:"runs_dir"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Neo4j     Neo4jConfig     `yaml:"neo4j"`
	Logging   logging.Config  `yaml:"logging"`
	Processor ProcessorConfig `yaml:"processor"`
	Queue     QueueConfig     `yaml:"queue"`
	Runner    RunnerConfig    `yaml:"runner"`
}

// Load reads the YAML config at path. A missing file falls back to defaults
// so a bare binary still starts against local stores.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return defaultConfig(), nil
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8090, GracefulTimeout: 10 * time.Second},
		SQLite: SQLiteConfig{Path: "./tasks.db", BusyTimeoutMS: 5000, MaxOpenConns: 1},
		Neo4j:  Neo4jConfig{URI: "bolt://localhost:7687", Username: "neo4j", Password: "neo4j", Database: "hybridgraph"},
		Logging: logging.Config{
			Level:    "info",
			Encoding: "console",
			Console:  true,
		},
		Processor: ProcessorConfig{
			PollInterval:      2 * time.Second,
			LeaseDuration:     5 * time.Minute,
			SettleBackoffBase: time.Second,
			SettleBackoffMax:  30 * time.Second,
			WorkerTimeout:     10 * time.Minute,
			WatchInterval:     5 * time.Second,
		},
		Queue:  QueueConfig{PollInterval: 2 * time.Second, LeaseDuration: 5 * time.Minute},
		Runner: RunnerConfig{GracePeriod: 5 * time.Second, PythonBin: "python3", RunsDir: "./runs"},
	}
}
