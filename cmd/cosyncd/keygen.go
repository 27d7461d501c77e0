package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cosync/internal/config"
	"cosync/internal/signer"
)

type keygenOptions struct {
	*rootOptions
	out   string
	force bool
}

func newKeygenCommand(root *rootOptions) *cobra.Command {
	opts := &keygenOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the agent key this node signs with",
		Long: `Create a new Ed25519 agent key and print its agent ID.

The key is written to identity.key_path unless --out is given; a missing
config file is created with the defaults first. An existing
key is only replaced with --force: every transaction signed with it would
otherwise lose its author.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "key file to write")
	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite an existing key")

	return cmd
}

func runKeygen(cmd *cobra.Command, opts *keygenOptions) error {
	path := opts.out
	if path == "" {
		cfg, created, err := config.LoadOrCreate(opts.resolvePath())
		if err != nil {
			return err
		}
		if created {
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote default config %s\n", opts.resolvePath())
		}
		path = cfg.Identity.KeyPath
	}

	if _, err := os.Stat(path); err == nil && !opts.force {
		return fmt.Errorf("%s already exists (use --force to replace it)", path)
	}

	agent, err := signer.NewAgent()
	if err != nil {
		return err
	}
	if err := signer.SaveAgent(agent, path); err != nil {
		return fmt.Errorf("write key: %w", err)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), agent.ID())
	return nil
}
