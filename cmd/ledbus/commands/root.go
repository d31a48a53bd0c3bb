package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/FastLED/FastLED-sub016/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version, commit, date = v, c, d
}

type globals struct {
	configPath string
	logLevel   string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "ledbus",
		Short: "ledbus - drive addressable LED strips through prioritized transmit engines",
		Long: `ledbus routes LED strips to the best available transmit engine, merges
strips that share a clock line into parallel SPI transfers, and streams
health and diagnostics while it runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(g.logLevel, cmd.ErrOrStderr())
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "ledbus.yaml", "path to the rig configuration")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides the config)")

	root.AddCommand(newRunCmd(g), newDriversCmd(g), newBusesCmd(g), newVersionCmd())
	return root
}

// Execute runs the command tree and prints a failing command's error.
func Execute(ctx context.Context) error {
	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	if err != nil && ctx.Err() == nil {
		red.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func setupLogging(level string, w io.Writer) error {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen})
	if level == "" {
		return nil
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(l)
	return nil
}

// loadConfig reads the rig file. A missing file falls back to the
// built-in simulated rig.
func (g *globals) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		log.Warn().Str("path", g.configPath).Msg("config not found; using the simulated default rig")
		cfg = config.Default()
	}
	if g.logLevel == "" && cfg.LogLevel != "" {
		if err := setupLogging(cfg.LogLevel, os.Stderr); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ledbus %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
