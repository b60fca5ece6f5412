package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tidemark-io/tidemark/pkg/client"
)

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Query views on a running Fusion server",
}

func viewClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	apiKey, _ := cmd.Flags().GetString("api-key")
	return client.New(server, apiKey)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var viewTreeCmd = &cobra.Command{
	Use:   "tree <view-id>",
	Short: "Print a subtree of a view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		depth, _ := cmd.Flags().GetInt("max-depth")
		tree, err := viewClient(cmd).Tree(cmd.Context(), args[0], path, depth, false)
		if err != nil {
			return err
		}
		return printJSON(tree)
	},
}

var viewStatsCmd = &cobra.Command{
	Use:   "stats <view-id>",
	Short: "Print aggregated view statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stats, err := viewClient(cmd).Stats(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var viewBlindSpotsCmd = &cobra.Command{
	Use:   "blind-spots <view-id>",
	Short: "Print the blind-spot additions and deletions of a view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bs, err := viewClient(cmd).BlindSpots(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(bs)
	},
}

var viewSuspectsCmd = &cobra.Command{
	Use:   "suspects <view-id>",
	Short: "Print the suspect list of a view",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		suspects, err := viewClient(cmd).SuspectList(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, s := range suspects {
			fmt.Printf("%s\t%.3f\n", s.Path, s.Mtime)
		}
		return nil
	},
}

var viewSearchCmd = &cobra.Command{
	Use:   "search <view-id> <pattern>",
	Short: "Glob search over a view (*, ? and ** are supported)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		results, err := viewClient(cmd).Search(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		for _, n := range results {
			fmt.Println(n.Path)
		}
		return nil
	},
}

func init() {
	viewCmd.PersistentFlags().String("server", "http://127.0.0.1:8900", "Fusion server base URL")
	viewCmd.PersistentFlags().String("api-key", "", "API key (required for session endpoints)")

	viewTreeCmd.Flags().String("path", "/", "Subtree root")
	viewTreeCmd.Flags().Int("max-depth", -1, "Depth limit (-1 for unlimited)")

	viewCmd.AddCommand(viewTreeCmd)
	viewCmd.AddCommand(viewStatsCmd)
	viewCmd.AddCommand(viewBlindSpotsCmd)
	viewCmd.AddCommand(viewSuspectsCmd)
	viewCmd.AddCommand(viewSearchCmd)
}
