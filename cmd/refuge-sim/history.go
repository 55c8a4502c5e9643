package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"refuge/internal/modules/simulation"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived simulation runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		path, _ := cmd.Flags().GetString("archive")
		limit, _ := cmd.Flags().GetInt("limit")

		archive, err := simulation.OpenArchive(ctx, path)
		if err != nil {
			return err
		}
		defer archive.Close() //nolint:errcheck

		runs, err := archive.List(ctx, limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func init() {
	historyCmd.Flags().String("archive", "simulations.db", "sqlite archive file")
	historyCmd.Flags().Int("limit", 20, "maximum runs to list")
}

func formatRunsList(w io.Writer, runs []simulation.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tPEOPLE\tSHELTERS\tASSIGNED\tUTIL\tDURATION")
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%.1f%%\t%dms\n",
			id, r.StartedAt.Format("2006-01-02 15:04"), r.People, r.Shelters,
			r.Stats.Assigned, r.Stats.UtilizationPct, r.DurationMs)
	}
	tw.Flush()
}
