package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benodiwal/medusa/internal/common/config"
)

var (
	appVersion = "dev"
	appCommit  = "none"
)

// rootOptions carries persistent flags and the configuration they resolve to.
type rootOptions struct {
	configDir string
	cfg       *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "medusa",
		Short: "Run coding agents on isolated git workspaces",
		Long: `medusa runs one coding agent per task, each on its own branch in a
scratch git worktree, and carries tasks from backlog through review to a
merge into the branch they started from.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWithPath(opts.configDir)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config", "", "directory containing config.yaml")

	root.AddCommand(
		newServeCmd(opts),
		newTaskCmd(opts),
		newConfigCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// Skip config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "medusa %s\ncommit: %s\n", appVersion, appCommit)
		},
	}
}

// openApp builds the logger and components for a command.
func (o *rootOptions) openApp() (*app, error) {
	log, err := provideLogger(o.cfg)
	if err != nil {
		return nil, err
	}
	return buildApp(o.cfg, log.WithComponent("medusa"))
}

// quietLogging lowers log output for short-lived commands that print results.
func (o *rootOptions) quietLogging() {
	if o.cfg.Logging.Level == "info" {
		o.cfg.Logging.Level = "warn"
	}
}
