package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/receiptsync/internal/db"
	"github.com/kimhsiao/receiptsync/internal/export"
)

func exportCmd(a *app) *cobra.Command {
	var (
		out    string
		filter db.ReceiptFilter
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write local receipts to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.openStore()
			if err != nil {
				return err
			}
			result, err := export.NewExportService(repo).Export(cmd.Context(), &export.ExportConfig{
				OutputPath: out,
				Filter:     filter,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d receipt(s) to %s\n  SHA-256: %s\n",
				result.ItemCount, result.FilePath, result.Checksum)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "receipts.xlsx", "Output file")
	cmd.Flags().StringVar(&filter.Category, "category", "", "Only this category")
	cmd.Flags().StringVar(&filter.DateFrom, "from", "", "Earliest date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&filter.DateTo, "to", "", "Latest date (YYYY-MM-DD)")
	return cmd
}
