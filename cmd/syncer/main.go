package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/splitio/flagsync/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cli holds what the subcommands share: flag values and, once a command has
// loaded it, the config and logger.
type cli struct {
	cfgFile string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
	level  zap.AtomicLevel
}

// load reads the config and builds the logger. Only commands that sync call
// it, so version and help work without a valid config.
func (c *cli) load() error {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return err
	}
	logger, level, err := newLogger(c.verbose, cfg.Logging)
	if err != nil {
		return err
	}
	c.cfg, c.logger, c.level = cfg, logger, level
	return nil
}

func (c *cli) close() {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

// newLogger builds the process logger. The returned level can be changed at
// runtime through the status server. Verbose forces debug with console output.
func newLogger(verbose bool, logCfg config.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.DisableStacktrace = true
	if verbose {
		zapConfig = zap.NewDevelopmentConfig()
	} else if logCfg.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(logCfg.Level)); err != nil {
			return nil, zap.AtomicLevel{}, fmt.Errorf("log level %q: %w", logCfg.Level, err)
		}
		zapConfig.Level = zap.NewAtomicLevelAt(level)
	}
	zapConfig.InitialFields = map[string]any{"version": version}

	if logCfg.Enabled {
		if err := os.MkdirAll(logCfg.Directory, 0755); err != nil {
			return nil, zap.AtomicLevel{}, fmt.Errorf("creating logs directory: %w", err)
		}
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, filepath.Join(logCfg.Directory, "flagsync.log"))
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, zapConfig.Level, nil
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "flagsync",
		Short:         "Keep a local copy of feature flags and memberships in sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", os.Getenv("FLAGSYNC_CONFIG"), "config file path (or set FLAGSYNC_CONFIG)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(runCmd(c), versionCmd())
	return root
}

func main() {
	c := &cli{}
	defer c.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd(c).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "flagsync:", err)
		cancel()
		c.close()
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
