package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/pkg/agentd"
	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/fusiond"
	"github.com/tidemark-io/tidemark/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errdefs.KindOf(err) == "config" {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tidemark",
	Short: "Tidemark - Distributed file synchronization and consistency platform",
	Long: `Tidemark keeps a central, queryable picture of shared storage that
multiple hosts mount and mutate.

Agents watch the storage from each host and stream snapshot, realtime and
audit events to a Fusion server, which arbitrates the evidence into a
consistent in-memory view - converging even when some clients mutate the
storage without running an Agent.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Tidemark version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(func() { initLogging(rootCmd) })

	rootCmd.AddCommand(fusionCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(viewCmd)
}

func initLogging(cmd *cobra.Command) {
	level, _ := cmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := cmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}

var fusionCmd = &cobra.Command{
	Use:   "fusion",
	Short: "Run the Fusion server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgDir, _ := cmd.Flags().GetString("config-dir")
		return fusiond.New(cfgDir).Run(signalContext())
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the Agent daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgDir, _ := cmd.Flags().GetString("config-dir")
		return agentd.New(cfgDir).Run(signalContext())
	},
}

func init() {
	fusionCmd.Flags().String("config-dir", "/etc/tidemark/fusion", "Directory of YAML configuration files")
	agentCmd.Flags().String("config-dir", "/etc/tidemark/agent", "Directory of YAML configuration files")
}
