package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newBackupCmd creates the 'backup' subcommand.
func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Copies the canonical snapshot to a timestamped backup object",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			svc, err := buildServices(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.exportSnapshot(cmd.Context()); err != nil {
				return err
			}
			path, err := svc.backup(cmd.Context())
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no snapshot to back up")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
