// ============================================================================
// Search Scheduler CLI
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command line interface for the search job scheduler.
//
// Command Structure:
//   scheduler                      # Root command
//   ├── run                        # Start the supervisor (listener + controller)
//   │   └── --config, -c          # Specify config file
//   ├── enqueue                    # Insert a PENDING job from a search-config file
//   │   └── --file, -f           # JSON/YAML search_config file
//   ├── status                     # One-shot scrape of the local metrics endpoint
//   └── --help
//
// Configuration:
//   YAML file (default: configs/default.yaml) with database coordinates,
//   reducer listener address, results-cache URI, and jobs_poll_delay
//   (seconds, float) — matching the field shapes of the original
//   search_scheduler.py config dataclass.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/raft-recovery/internal/archive"
	"github.com/ChuLiYu/raft-recovery/internal/audit"
	"github.com/ChuLiYu/raft-recovery/internal/controller"
	"github.com/ChuLiYu/raft-recovery/internal/dispatch"
	"github.com/ChuLiYu/raft-recovery/internal/metrics"
	"github.com/ChuLiYu/raft-recovery/internal/rendezvous"
	"github.com/ChuLiYu/raft-recovery/internal/store"
	"github.com/ChuLiYu/raft-recovery/internal/supervisor"
	"github.com/ChuLiYu/raft-recovery/pkg/types"
)

// Config is the complete scheduler configuration, loaded from YAML.
type Config struct {
	Database struct {
		DSN                    string `yaml:"dsn"`
		JobsTable              string `yaml:"jobs_table"`
		ArchivesTable          string `yaml:"archives_table"`
		MaxOpenConns           int    `yaml:"max_open_conns"`
		ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
	} `yaml:"database"`

	Reducer struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"reducer"`

	// ResultsCacheURI is forwarded unmodified to every dispatched task.
	ResultsCacheURI string `yaml:"results_cache_uri"`

	// JobsPollDelay is seconds, expressed as a float exactly like the
	// original config dataclass — not milliseconds, not a duration string.
	JobsPollDelay float64 `yaml:"jobs_poll_delay"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Audit struct {
		Path            string `yaml:"path"`
		BatchSize       int    `yaml:"batch_size"`
		FlushIntervalMs int    `yaml:"flush_interval_ms"`
	} `yaml:"audit"`
}

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "scheduler",
		Short: "search job scheduler for a log-archive search system",
		Long: `scheduler polls a job table for pending search jobs, resolves each into
archives to scan, dispatches per-archive tasks, brokers aggregation with an
external reducer when requested, and reconciles job state back to the
database.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the scheduler: reducer listener, controller, metrics",
		Long:  "Run the supervisor until an OS shutdown signal arrives or a fatal component exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystem(configFile)
		},
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{JobsPollDelay: 1.0}
	cfg.Database.MaxOpenConns = 4
	cfg.Metrics.Port = 9090
	cfg.Audit.BatchSize = 100
	cfg.Audit.FlushIntervalMs = 500

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}
	return cfg, nil
}

func runSystem(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()

	st, err := store.Open(ctx, store.Config{
		DSN:             cfg.Database.DSN,
		Table:           cfg.Database.JobsTable,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetimeSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	resolver := archive.New(st.FetcherDB(), cfg.Database.ArchivesTable)

	d := dispatch.New(localTaskExecutor)

	rv, err := rendezvous.Listen(cfg.Reducer.ListenAddr)
	if err != nil {
		return fmt.Errorf("open rendezvous listener: %w", err)
	}

	var mc *metrics.Collector
	if cfg.Metrics.Enabled {
		mc = metrics.NewCollector()
		go func() {
			log.Printf("starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("metrics server error: %v\n", err)
			}
		}()
	}

	var journal *audit.Journal
	if cfg.Audit.Path != "" {
		journal, err = audit.Open(cfg.Audit.Path, cfg.Audit.BatchSize, time.Duration(cfg.Audit.FlushIntervalMs)*time.Millisecond)
		if err != nil {
			return fmt.Errorf("open audit journal: %w", err)
		}
		defer journal.Close()
	}

	ctrlCfg := controller.Config{
		JobsPollDelay:   time.Duration(cfg.JobsPollDelay * float64(time.Second)),
		ResultsCacheURI: cfg.ResultsCacheURI,
	}

	// journal is passed through a typed nil check rather than handed to
	// controller.New directly: a nil *audit.Journal boxed into the
	// controller's journaler interface is a non-nil interface value, which
	// would defeat the controller's own `c.journal == nil` guard.
	var ctrl *controller.Controller
	if journal != nil {
		ctrl = controller.New(st, resolver, d, rv.Offers(), mc, journal, ctrlCfg)
	} else {
		ctrl = controller.New(st, resolver, d, rv.Offers(), mc, nil, ctrlCfg)
	}

	sup := supervisor.New(rv, ctrl)

	log.Println("scheduler started")
	return sup.Run()
}

// localTaskExecutor is a placeholder for the out-of-scope worker task
// executor (SPEC_FULL.md §1): a real deployment replaces this with an
// RPC/queue submission to the worker fleet. It always reports success so
// `run` is exercisable end-to-end without a separate worker binary.
func localTaskExecutor(ctx context.Context, archiveID string, jobID types.JobID, cfg *types.SearchConfig, resultsCacheURI string) (types.TaskResult, error) {
	return types.TaskResult{TaskID: archiveID, Success: true}, nil
}

func buildEnqueueCommand() *cobra.Command {
	var searchConfigFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Insert a PENDING job from a search-config file",
		Long:  "Read a JSON or YAML search_config document and insert it as a PENDING job row, for manual testing without a separate submission API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if searchConfigFile == "" {
				return fmt.Errorf("search-config file is required (use --file or -f)")
			}
			return enqueueJob(configFile, searchConfigFile)
		},
	}

	cmd.Flags().StringVarP(&searchConfigFile, "file", "f", "", "JSON or YAML file containing the search config")
	cmd.MarkFlagRequired("file")

	return cmd
}

func enqueueJob(configPath, searchConfigPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	data, err := os.ReadFile(searchConfigPath)
	if err != nil {
		return fmt.Errorf("read search config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse search config (must be valid JSON or YAML): %w", err)
	}

	// yaml.v3 decodes JSON too, but nested maps come back as
	// map[string]interface{} only when keys are strings throughout; encode
	// through JSON-compatible types explicitly so msgpack sees plain maps.
	normalized, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("normalize search config: %w", err)
	}
	var cleaned map[string]interface{}
	if err := json.Unmarshal(normalized, &cleaned); err != nil {
		return fmt.Errorf("normalize search config: %w", err)
	}

	searchConfig := &types.SearchConfig{Extra: cleaned}
	blob, err := msgpack.Marshal(searchConfig)
	if err != nil {
		return fmt.Errorf("encode search config: %w", err)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, store.Config{DSN: cfg.Database.DSN, Table: cfg.Database.JobsTable})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	id, err := st.InsertPending(ctx, blob)
	if err != nil {
		return fmt.Errorf("insert pending job: %w", err)
	}

	log.Printf("enqueued job %d from %s\n", id, searchConfigPath)
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show live scheduler counters",
		Long:  "Scrape the local Prometheus metrics endpoint once and print the scheduler's job-lifecycle counters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(configFile)
		},
	}
}

func showStatus(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Metrics.Enabled {
		fmt.Println("metrics are disabled in this config; nothing to scrape")
		return nil
	}

	url := fmt.Sprintf("http://localhost:%d/metrics", cfg.Metrics.Port)
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("scrape metrics endpoint %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read metrics response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}
