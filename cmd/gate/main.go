// Command gate runs the 0DTE decision gate: the option chain cache and its
// refresh loop, the preview/confirm risk gate and the dashboard API.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/zerodte/internal/config"
)

// cli carries the global flags and the state loaded before every subcommand.
type cli struct {
	cfg        *config.Config
	logger     *logrus.Logger
	configPath string
	logLevel   string
}

func main() {
	cobra.CheckErr(newRootCmd().Execute())
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "gate",
		Short:         "0DTE options decision gate",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "config.yaml", "path to configuration file")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(c),
		newChainCmd(c),
		newBreakersCmd(c),
		newKillSwitchCmd(c),
	)
	return root
}

// load reads .env and the config file, then builds the logger.
func (c *cli) load() error {
	// .env is optional; the environment may already carry the secrets.
	envErr := godotenv.Load()

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := cfg.Environment.LogLevel
	if c.logLevel != "" {
		level = c.logLevel
	}
	logger := newLogger(level)
	if envErr != nil && !os.IsNotExist(envErr) {
		logger.WithError(envErr).Warn("Failed to read .env file")
	}

	c.cfg = cfg
	c.logger = logger
	return nil
}

// newLogger builds the process logger. An unknown level falls back to info.
func newLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		logger.SetLevel(logrus.InfoLevel)
		logger.WithField("log_level", level).Warn("Unknown log level, using info")
		return logger
	}
	logger.SetLevel(lvl)
	return logger
}
