package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per queue",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().Bool("json", false, "print JSON instead of a table")
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	m, err := openManager(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	stats, err := m.Stats(cmd.Context())
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	names := make([]string, 0, len(stats.Queues))
	for name := range stats.Queues {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tWORKERS\tWAITING\tACTIVE\tCOMPLETED\tFAILED\tDELAYED")
	for _, name := range names {
		q := stats.Queues[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n", name, q.Workers, q.Waiting, q.Active, q.Completed, q.Failed, q.Delayed)
	}
	t := stats.Total
	fmt.Fprintf(tw, "total\t-\t%d\t%d\t%d\t%d\t%d\n", t.Waiting, t.Active, t.Completed, t.Failed, t.Delayed)
	return tw.Flush()
}
