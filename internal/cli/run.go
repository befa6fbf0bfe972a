package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run monitors and scheduled jobs until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted state of every monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context(), cmd.OutOrStdout())
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List configured jobs with their next run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListJobs(cmd.Context(), cmd.OutOrStdout())
	},
}
