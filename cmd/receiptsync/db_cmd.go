package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/receiptsync/internal/db"
)

func dbCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and roll back the store schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.openStore(); err != nil {
				return err
			}
			m := db.NewMigrator(a.store.DB)
			version, err := m.CurrentVersion()
			if err != nil {
				return err
			}
			applied, err := m.GetAppliedMigrations()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema version: %d\n\n", version)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tDESCRIPTION\tAPPLIED")
			for _, mig := range applied {
				fmt.Fprintf(tw, "%d\t%s\t%s\n", mig.Version, mig.Description, mig.AppliedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rollback",
		Short: "Roll back the newest schema migration",
		Long: `Run the down script of the newest applied migration. Use it before
downgrading the binary; the next command run by a newer binary applies the
migration again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.openStore(); err != nil {
				return err
			}
			m := db.NewMigrator(a.store.DB)
			if err := m.Down(); err != nil {
				return err
			}
			version, err := m.CurrentVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back to schema version %d\n", version)
			return nil
		},
	})
	return cmd
}
