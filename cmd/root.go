package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	topologyPath string
	logPath      string
	verbose      bool
	traceNames   []string

	logger = slog.New(slog.DiscardHandler)
)

var rootCmd = &cobra.Command{
	Use:   "spfsim",
	Short: "IS-IS link state routing simulator",
	Long: `spfsim simulates the routers of an IS-IS network described by a topology file.
It computes shortest path trees, floods configuration changes and synthesises the resulting routing tables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		l, err := newLogger(level, logPath)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

// Execute runs the command line. It is called once by main.main().
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "sim",
		Title: "Simulation Commands",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "inspect",
		Title: "Inspection Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&topologyPath, "topology", "t", "topology.yaml", "topology file")
	rootCmd.PersistentFlags().StringVar(&logPath, "log-path", "", "also write logs to this file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringSliceVar(&traceNames, "trace", nil,
		"trace categories to log at debug level (dijkstra, route-calc, route-inst, backup, prefix, flood, all)")
}
