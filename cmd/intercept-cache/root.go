package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/intercept-cache/pkg/config"
	"github.com/Sternrassler/intercept-cache/pkg/logging"
)

// commandContext carries state shared by subcommands.
type commandContext struct {
	configPath string
	cfg        *config.Config
}

func (c *commandContext) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	c.cfg = cfg

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Logging.Level),
		Pretty: cfg.Logging.Pretty,
	})
	return nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "intercept-cache",
		Short:         "Caching interception proxy with cache-first, network-first and stale-while-revalidate routes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "Configuration file path (TOML)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newCacheCommand(ctx))
	rootCmd.AddCommand(newWarmCommand(ctx))

	return rootCmd
}
