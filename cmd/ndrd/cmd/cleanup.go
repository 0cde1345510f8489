package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove finished jobs and release stale locks",
	Long: `Remove completed and failed jobs that finished more than --older-than-hours
ago from every queue, and hand active jobs whose lock expired back to waiting.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().Int("older-than-hours", 24, "age of finished jobs to remove")
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	hours, _ := cmd.Flags().GetInt("older-than-hours")
	if hours < 0 {
		hours = 0
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	m, err := openManager(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	released, err := m.ReleaseStaleLocks(cmd.Context())
	if err != nil {
		return err
	}
	removed, err := m.Cleanup(cmd.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		return err
	}
	printf(cmd, "removed %d finished jobs older than %dh, released %d stale jobs\n", removed, hours, released)
	return nil
}
