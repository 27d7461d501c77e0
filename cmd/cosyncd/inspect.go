package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"cosync/internal/covalue"
	"cosync/internal/store"
)

func newInspectCommand(root *rootOptions) *cobra.Command {
	var known bool

	cmd := &cobra.Command{
		Use:   "inspect <covalue-id>",
		Short: "Dump a stored CoValue as JSON",
		Long: `Dump a stored CoValue as JSON: its header and every session's
transactions and signatures. With --known only the known state is printed.

Run it against a stopped daemon; sqlite and badger hold an exclusive lock.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := covalue.ID(args[0])
			if err := id.Validate(); err != nil {
				return err
			}

			_, cfg, err := root.loader()
			if err != nil {
				return err
			}
			backend, err := openBackend(cmd.Context(), cfg.Storage, nil)
			if err != nil {
				return fmt.Errorf("open %s storage: %w", cfg.Storage.Type, err)
			}
			s := store.NewSync(backend)
			defer s.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if known {
				meta, err := s.LoadMeta(cmd.Context(), id)
				if err != nil {
					return err
				}
				if meta == nil {
					return fmt.Errorf("%s not found", id)
				}
				return enc.Encode(meta.KnownState())
			}

			rec, err := s.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("%s not found", id)
			}
			return enc.Encode(rec)
		},
	}

	cmd.Flags().BoolVar(&known, "known", false, "print only the known state")

	return cmd
}
