package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "execengine",
	Short: "Broker session and order execution engine for Angel One SmartAPI",
	Long: `execengine keeps an authenticated SmartAPI session alive, dispatches
orders under the broker's rate limits, tracks every order through its
lifecycle in a durable ledger and reconciles the ledger against the broker.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
