// Package cli implements the engagepipe command tree.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/EngagePipe/internal/config"
)

// Output formats accepted by --format.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// RootOptions holds the persistent flags and the configuration they resolve to.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	StateDir   string
	DB         string
	Format     string

	Config config.Config
}

// NewRootCommand builds the engagepipe command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "engagepipe",
		Short: "Re-engagement state machine for conversational users",
		Long: `EngagePipe tracks each user's engagement state, sends a goodbye check-in
after two weeks of silence, and routes the user's reply to the right
follow-up: help, a reminder later, or dormancy.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("ENGAGEPIPE_CONFIG"), "path to YAML config file (overrides $ENGAGEPIPE_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.StateDir, "state-dir", "", "state directory (overrides $ENGAGEPIPE_STATE_DIR)")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", `store DSN: "memory", a SQLite path, a Postgres DSN or a redis:// URL`)
	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "output format: text or json")

	cmd.AddCommand(
		NewServeCommand(opts),
		NewSweepCommand(opts),
		NewTransitionCommand(opts),
		NewStateCommand(opts),
		NewHistoryCommand(opts),
		NewStatsCommand(opts),
		NewTableCommand(opts),
		NewVersionCommand(opts),
	)
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().Execute()
}

// load resolves configuration: defaults, file, environment, then flags.
func (o *RootOptions) load(cmd *cobra.Command) error {
	if o.Format != FormatText && o.Format != FormatJSON {
		return fmt.Errorf("invalid format %q: must be %q or %q", o.Format, FormatText, FormatJSON)
	}

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return err
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.StateDir != "" {
		cfg.StateDir = o.StateDir
	}
	if o.DB != "" {
		cfg.Database.DSN = o.DB
	}
	cfg.Resolve()

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	initializeLogger(cmd, level)

	o.Config = cfg
	slog.Debug("CLI.load: configuration resolved",
		"config_path", o.ConfigPath,
		"state_dir", cfg.StateDir,
		"dsn_set", cfg.Database.DSN != "",
		"channel", cfg.Messaging.Channel,
		"scheduler", cfg.Scheduler.Enabled)
	return nil
}

// initializeLogger sends structured logs to stderr so command output on
// stdout stays parseable.
func initializeLogger(cmd *cobra.Command, level slog.Level) {
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
