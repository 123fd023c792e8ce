package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"futures_copier/internal/models"

	"github.com/spf13/cobra"
)

func newTradesCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Print the most recent copy attempts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}

			store, err := a.openStorage()
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			return printTrades(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of records to show")

	return cmd
}

func printTrades(out io.Writer, records []models.TradeRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "TIME\tMASTER\tSLAVE\tSYMBOL\tSIDE\tQTY\tPRICE\tSTATUS\tORDER\tLATENCY\tDETAIL")
	for _, rec := range records {
		detail := rec.Error
		if rec.Status == models.TradeSkipped {
			detail = rec.Reason
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%dms\t%s\n",
			rec.Timestamp.Local().Format(time.DateTime),
			rec.MasterID,
			rec.SlaveID,
			rec.Symbol,
			rec.Side,
			rec.Quantity,
			rec.Price,
			rec.Status,
			rec.OrderID,
			rec.LatencyMs,
			detail,
		)
	}

	return w.Flush()
}
