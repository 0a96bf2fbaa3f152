package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pulseradar",
		Short: "Detect emerging signals across news, market, and price streams",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(runCmd())
	root.AddCommand(replayCmd())
	root.AddCommand(eventsCmd())
	root.AddCommand(baselinesCmd())
	root.AddCommand(alertsCmd())

	return root
}

func runCmd() *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the detection pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(input)
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "JSONL file to feed before the first tick")
	return cmd
}

func replayCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "replay <file>",
		Short: "Run the pipeline once over a JSONL input file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func eventsCmd() *cobra.Command {
	var (
		jsonOutput     bool
		includeRetired bool
		limit          int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show stored events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(jsonOutput, includeRetired, limit)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&includeRetired, "all", false, "include retired events")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events to show")
	return cmd
}

func baselinesCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "baselines",
		Short: "Show stored activity baselines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBaselines(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func alertsCmd() *cobra.Command {
	var (
		jsonOutput bool
		key        string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Show fired alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlerts(jsonOutput, key, limit)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&key, "key", "", "filter to one series key (kind:id)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max alerts to show")
	return cmd
}
