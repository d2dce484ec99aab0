package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func cacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the local read cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "usage",
		Short: "Show cache entries and bytes against the budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openCache(nil)
			if err != nil {
				return err
			}
			u, err := c.Usage(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entries: %d\nBytes:   %d of %d (%.1f%%)\nTTL:     %s\n",
				u.Entries, u.Bytes, c.MaxBytes(), 100*float64(u.Bytes)/float64(c.MaxBytes()), c.TTL())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Remove expired entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openCache(nil)
			if err != nil {
				return err
			}
			n, err := c.Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired entr(ies)\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear [prefix]",
		Short: "Remove entries whose key starts with prefix, or all entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openCache(nil)
			if err != nil {
				return err
			}
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			n, err := c.Clear(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d entr(ies)\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "optimize",
		Short: "Purge expired entries, then evict the oldest until under budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.openCache(nil)
			if err != nil {
				return err
			}
			res, err := c.Optimize(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired: %d\nEvicted: %d\nEntries: %d\nBytes:   %d\n",
				res.Expired, res.Evicted, res.Usage.Entries, res.Usage.Bytes)
			return nil
		},
	})
	return cmd
}
