package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hupe1980/bitharbor"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts and index state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		h, err := openHarbor(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		st, err := h.Stats(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(stdout(cmd), st)
		}
		return printStats(cmd, st)
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild and publish the ANN index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		h, err := openHarbor(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		if err := h.Rebuild(ctx); err != nil {
			return err
		}
		st, err := h.Stats(ctx)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(stdout(cmd), st)
		}
		printf(cmd, "published build %d over %d rows in %s\n", st.CurrentIndexBuild, st.IndexHighWater, st.LastRebuildDuration)
		return nil
	},
}

var verifyDeep bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Cross-check the vector, index, metadata and content stores",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		h, err := openHarbor(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		report, checkErr := h.CheckConsistency(ctx, bitharbor.CheckOptions{VerifyObjects: verifyDeep})
		if outputJSON {
			if err := printJSON(stdout(cmd), report); err != nil {
				return err
			}
			return checkErr
		}
		printf(cmd, "rows: %d, live: %d, index high-water: %d, objects checked: %d\n",
			report.RowCount, report.LiveRows, report.IndexHighWater, report.CheckedObjects)
		if n := len(report.OrphanRows); n > 0 {
			printf(cmd, "%d live rows without metadata (never returned by search)\n", n)
		}
		for _, p := range report.Problems {
			printf(cmd, "problem: %s\n", p)
		}
		if checkErr == nil {
			printf(cmd, "ok\n")
		}
		return checkErr
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyDeep, "deep", false, "re-hash every referenced content object")
}

func printStats(cmd *cobra.Command, st bitharbor.Stats) error {
	tw := tabwriter.NewWriter(stdout(cmd), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "rows\t%d\n", st.RowCount)
	fmt.Fprintf(tw, "tombstones\t%d\n", st.TombstoneCount)
	fmt.Fprintf(tw, "live\t%d\n", st.LiveCount)
	fmt.Fprintf(tw, "metadata records\t%d\n", st.MetadataRecords)
	fmt.Fprintf(tw, "index build\t%d\n", st.CurrentIndexBuild)
	fmt.Fprintf(tw, "index high-water\t%d\n", st.IndexHighWater)
	fmt.Fprintf(tw, "index nodes\t%d\n", st.IndexNodes)
	fmt.Fprintf(tw, "last rebuild\t%s\n", st.LastRebuildDuration)
	if st.LastRebuildError != "" {
		fmt.Fprintf(tw, "last rebuild error\t%s\n", st.LastRebuildError)
	}
	fmt.Fprintf(tw, "rebuild pending\t%t\n", st.PendingRebuild)
	return tw.Flush()
}
