// Package cli implements the followupd command line.
package cli

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"followup/internal/config"
	"followup/internal/delivery"
	"followup/internal/executor"
	"followup/internal/logging"
	"followup/internal/queue"
	"followup/internal/scheduler"
	"followup/internal/sequence"
)

var (
	cfgFile string
	envFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "followupd",
	Short: "Schedule and deliver follow-up message sequences",
	Long: `followupd runs timed outreach sequences for leads. A sequence is an ordered
list of message steps with delays; the first step is scheduled on trigger, each
later step once its predecessor was delivered, and a lead reply cancels the rest.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnvFile(envFile); err != nil {
			return err
		}
		v := config.New(cfgFile)
		for key, flag := range map[string]string{
			"database.path":   "db",
			"log.level":       "log-level",
			"log.format":      "log-format",
			"sequences.dir":   "sequences-dir",
			"delivery.driver": "delivery",
		} {
			if err := v.BindPFlag(key, cmd.Root().PersistentFlags().Lookup(flag)); err != nil {
				return err
			}
		}
		loaded, err := config.Load(v)
		if err != nil {
			return err
		}
		cfg = loaded
		return logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default: ./followup.yaml or /etc/followup/followup.yaml)")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file with FOLLOWUP_* variables")
	pf.String("db", "", "SQLite database path")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (console, json)")
	pf.String("sequences-dir", "", "directory of sequence definition files")
	pf.String("delivery", "", "delivery driver (log, webhook, command)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// app is the wired set of components shared by the subcommands.
type app struct {
	db       *sql.DB
	repo     queue.Repository
	registry *sequence.Registry
	engine   *scheduler.Engine
	exec     *executor.Executor
	sweeper  *scheduler.Sweeper
}

func newApp(cfg *config.Config) (*app, error) {
	db, err := queue.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	repo := queue.NewSQLiteRepo(db)

	registry := sequence.NewRegistry(cfg.Sequences.Dir, logging.Component("sequences"))
	if err := registry.Load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load sequences: %w", err)
	}

	deliverer, err := delivery.New(cfg.Delivery)
	if err != nil {
		db.Close()
		return nil, err
	}

	engine := scheduler.NewEngine(repo, registry)
	exec := executor.New(executor.Config{DeliveryTimeout: cfg.Delivery.Timeout}, repo, repo, deliverer, engine)
	sweeper := scheduler.NewSweeper(scheduler.SweeperConfig{
		Interval:     cfg.Sweeper.Interval,
		Concurrency:  cfg.Sweeper.Concurrency,
		ClaimTimeout: cfg.Sweeper.ClaimTimeout,
	}, engine, exec)

	log.Debug().
		Str("db", cfg.Database.Path).
		Str("delivery", cfg.Delivery.Driver).
		Int("sequences", len(registry.List())).
		Msg("components wired")
	return &app{db: db, repo: repo, registry: registry, engine: engine, exec: exec, sweeper: sweeper}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
