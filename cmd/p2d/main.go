package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig      string
	flagSignalURL   string
	flagToken       string
	flagName        string
	flagMetricsAddr string
	flagSettings    string
)

var rootCmd = &cobra.Command{
	Use:   "p2d",
	Short: "Peer-to-peer screen and voice sharing",
	Long: `p2d shares a screen and voice directly between participants. A small
signaling relay pairs everyone in a room; media flows peer to peer.`,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "configs/config.yaml", "path to the YAML config file")
	pf.StringVar(&flagSignalURL, "signal", "", "signaling relay URL (overrides saved settings)")
	pf.StringVar(&flagToken, "token", "", "admission token for the relay")
	pf.StringVarP(&flagName, "name", "n", "", "display name shown to other participants")
	pf.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve per-peer link metrics on this address")
	pf.StringVar(&flagSettings, "settings", "", "settings file (default ~/.config/p2d/settings.yaml)")

	rootCmd.AddCommand(hostCmd, joinCmd, settingsCmd)
}

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
