package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	apiURL     string
	signalMode string
	peerID     string
)

var rootCmd = &cobra.Command{
	Use:   "remotelink-peer",
	Short: "Headless remote session peer",
	Long: `Runs one side of a remote session against a remotelink server.
The host (support agent) creates a session and forwards input; the client
(end user) joins with the code and shares its screen.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (defaults to the usual search paths)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "session API base URL")
	rootCmd.PersistentFlags().StringVar(&signalMode, "signal", "", "signaling transport: http or websocket")
	rootCmd.PersistentFlags().StringVar(&peerID, "id", "", "peer id (generated when empty)")

	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(joinCmd)
}

func Execute() error {
	return rootCmd.Execute()
}
