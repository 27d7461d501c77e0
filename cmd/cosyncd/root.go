package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cosync/internal/config"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "cosyncd",
		Short:         "Local-first CoValue sync daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default: ./config.* or the data directory)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false,
		"log at debug level")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newKeygenCommand(opts))
	cmd.AddCommand(newInspectCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// resolvePath picks the config file: the flag, a file found by search,
// or the default location.
func (o *rootOptions) resolvePath() string {
	if o.configPath != "" {
		return o.configPath
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

// loader returns a loader for the resolved file with its first load done.
func (o *rootOptions) loader() (*config.Loader, *config.Config, error) {
	l := config.NewLoader(o.resolvePath())
	cfg, err := l.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if o.verbose {
		cfg.Logging.Level = "debug"
	}
	return l, cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cosyncd %s\n", version)
		},
	}
}
