package cmd

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Cross-module event orchestration service",
	Long: `Orchestrator is the event backbone of the atlas ERP suite. It fans domain
events out to module subscribers, bridges slow side effects onto durable
job queues, delivers events to tenant webhooks behind a circuit breaker,
and executes tenant-configured workflow automations.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}
