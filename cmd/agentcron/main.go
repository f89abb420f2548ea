package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	logx "agentcron/pkg/logx"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// cliLogger is used by the offline commands; the daemon logs through the
// configured log service instead.
func (o *rootOptions) cliLogger() logx.Logger {
	return logx.NewConsole(o.logLevel)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "agentcron",
		Short: "Recurring and one-shot agent jobs",
		Long: `agentcron keeps a store of scheduled agent jobs and fires them when due.

Commands:
  run      - run the scheduler daemon
  jobs     - inspect and edit the job store (daemon must be stopped)
  preview  - show the next fire instants of a schedule

Examples:
  agentcron run --config ./config.json
  agentcron jobs add --name digest --schedule "0 9 * * 1-5" --message "summarize my inbox"
  agentcron jobs list
  agentcron preview "*/15 * * * *" --count 4`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "./config.json", "path to config file (.json, .yaml, .toml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level for offline commands")

	root.AddCommand(
		newRunCmd(opts),
		newJobsCmd(opts),
		newPreviewCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
