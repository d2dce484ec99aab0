package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/receiptsync/internal/db"
	"github.com/kimhsiao/receiptsync/internal/models"
	"github.com/kimhsiao/receiptsync/internal/receipts"
	"github.com/kimhsiao/receiptsync/internal/uuid"
)

// recordID normalizes an id typed on the command line. UUIDs are reduced to
// their canonical form; ids minted by the remote pass through trimmed.
func recordID(s string) models.UUID {
	if id, err := uuid.Parse(s); err == nil {
		return models.UUID(id)
	}
	return models.UUID(strings.TrimSpace(s))
}

func addCmd(a *app) *cobra.Command {
	var r models.Receipt
	cmd := &cobra.Command{
		Use:     "add",
		Short:   "Record a receipt locally and queue it for sync",
		Example: `  receiptsync add --merchant Starbucks --date 2023-06-15 --amount 42.50 --category Food`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.receiptService()
			if err != nil {
				return err
			}
			if r.ID != "" {
				r.ID = recordID(string(r.ID))
			}
			saved, err := svc.Save(cmd.Context(), &r)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), saved.ID)
			return nil
		},
	}
	cmd.Flags().StringVar((*string)(&r.ID), "id", "", "Receipt id (generated when empty)")
	cmd.Flags().StringVar(&r.Merchant, "merchant", "", "Merchant name")
	cmd.Flags().StringVar(&r.Date, "date", "", "Receipt date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&r.Amount, "amount", 0, "Total amount")
	cmd.Flags().StringVar(&r.Category, "category", "", "Category name")
	cmd.Flags().StringVar(&r.ImageURI, "image", "", "Image reference")
	_ = cmd.MarkFlagRequired("merchant")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func updateCmd(a *app) *cobra.Command {
	var (
		merchant, date, category, status string
		amount                           float64
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of a receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch models.ReceiptPatch
			flags := cmd.Flags()
			if flags.Changed("merchant") {
				patch.Merchant = &merchant
			}
			if flags.Changed("date") {
				patch.Date = &date
			}
			if flags.Changed("amount") {
				patch.Amount = &amount
			}
			if flags.Changed("category") {
				patch.Category = &category
			}
			if flags.Changed("status") {
				patch.Status = &status
			}
			if patch.Empty() {
				return fmt.Errorf("nothing to update")
			}

			svc, err := a.receiptService()
			if err != nil {
				return err
			}
			updated, err := svc.Update(cmd.Context(), recordID(args[0]), patch)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view(updated))
		},
	}
	cmd.Flags().StringVar(&merchant, "merchant", "", "Merchant name")
	cmd.Flags().StringVar(&date, "date", "", "Receipt date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&amount, "amount", 0, "Total amount")
	cmd.Flags().StringVar(&category, "category", "", "Category name")
	cmd.Flags().StringVar(&status, "status", "", "Receipt status")
	return cmd
}

func deleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete receipts locally and queue the remote deletes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.receiptService()
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := svc.Delete(cmd.Context(), recordID(id)); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d receipt(s)\n", len(args))
			return nil
		},
	}
}

// receiptView is the command-line rendering of a receipt, sync state included.
type receiptView struct {
	*models.Receipt
	IsSynced      bool              `json:"is_synced"`
	PendingAction models.SyncAction `json:"pending_action,omitempty"`
}

func view(r *models.Receipt) receiptView {
	return receiptView{Receipt: r, IsSynced: r.IsSynced, PendingAction: r.PendingAction}
}

func listCmd(a *app) *cobra.Command {
	var (
		filter    db.ReceiptFilter
		asJSON    bool
		minAmount float64
		maxAmount float64
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List local receipts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("min") {
				filter.MinAmount = &minAmount
			}
			if cmd.Flags().Changed("max") {
				filter.MaxAmount = &maxAmount
			}
			svc, err := a.receiptService()
			if err != nil {
				return err
			}
			list, err := svc.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				views := make([]receiptView, 0, len(list))
				for _, r := range list {
					views = append(views, view(r))
				}
				return printJSON(cmd.OutOrStdout(), views)
			}
			return printReceipts(cmd.OutOrStdout(), list)
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.Category, "category", "", "Only this category")
	f.StringVar(&filter.Merchant, "merchant", "", "Merchant substring")
	f.StringVar(&filter.DateFrom, "from", "", "Earliest date (YYYY-MM-DD)")
	f.StringVar(&filter.DateTo, "to", "", "Latest date (YYYY-MM-DD)")
	f.Float64Var(&minAmount, "min", 0, "Minimum amount")
	f.Float64Var(&maxAmount, "max", 0, "Maximum amount")
	f.BoolVar(&filter.UnsyncedOnly, "unsynced", false, "Only receipts with pending changes")
	f.IntVar(&filter.Limit, "limit", 0, "Maximum rows")
	f.BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printReceipts(w io.Writer, list []*models.Receipt) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tMERCHANT\tCATEGORY\tAMOUNT\tSYNC")
	for _, r := range list {
		state := "synced"
		if !r.IsSynced {
			state = "pending " + string(r.PendingAction)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%s\n", r.ID, r.Date, r.Merchant, r.Category, r.Amount, state)
	}
	return tw.Flush()
}

func showCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one receipt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.receiptService()
			if err != nil {
				return err
			}
			r, err := svc.Get(cmd.Context(), recordID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view(r))
		},
	}
}

func remoteCmd(a *app) *cobra.Command {
	var (
		page, pageSize int
		asJSON         bool
	)
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "List receipts stored on the remote",
		Long: `Read one page of receipts from the remote API. Each page read is cached,
so the last copy is shown while the remote is unreachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := a.remote()
			if err != nil {
				return err
			}
			svc, err := a.receiptService(receipts.WithRemote(api))
			if err != nil {
				return err
			}
			if pageSize <= 0 {
				pageSize = a.cfg.Sync.PageSize
			}
			list, cached, err := svc.RemotePage(cmd.Context(), page, pageSize)
			if err != nil {
				return err
			}
			if cached {
				fmt.Fprintln(cmd.ErrOrStderr(), "Remote unreachable, showing cached page")
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tDATE\tMERCHANT\tCATEGORY\tAMOUNT")
			for _, r := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\n", r.ID, r.Date, r.Merchant, r.Category, r.Amount)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Receipts per page (default sync.page_size)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func categoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "category",
		Short: "Manage receipt categories",
	}

	var c models.Category
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Create or update a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.openStore()
			if err != nil {
				return err
			}
			c.Name = args[0]
			saved, err := repo.SaveCategory(cmd.Context(), &c)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), saved.ID)
			return nil
		},
	}
	add.Flags().StringVar((*string)(&c.ID), "id", "", "Category id (generated when empty)")
	add.Flags().StringVar(&c.Color, "color", "", "Display color")
	add.Flags().StringVar(&c.Icon, "icon", "", "Display icon")

	list := &cobra.Command{
		Use:   "list",
		Short: "List categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := a.openStore()
			if err != nil {
				return err
			}
			cats, err := repo.ListCategories(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tCOLOR\tSYNCED")
			for _, c := range cats {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", c.ID, c.Name, c.Color, c.IsSynced)
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}
