package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dcrodman/chessd/internal/core"
)

var ConfigFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:   "chessd",
		Short: "chessd chess lobby server and related tools",
		RunE:  ServerCommand,
	}
	rootCmd.PersistentFlags().StringVarP(&ConfigFlag, "config", "c", "", "Path to the server config/data directory")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindEnv("config", "CHESSD_CONFIG")

	historyCmd.Flags().IntVarP(&LimitFlag, "limit", "n", 20, "Number of results to print")
	historyCmd.Flags().StringVarP(&PlayerFlag, "player", "p", "", "Only print games played from this address")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(historyCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration from the directory given by --config or
// CHESSD_CONFIG.
func loadConfig() (*core.Config, error) {
	dir := viper.GetString("config")
	cfg, err := core.LoadConfig(dir)
	if err != nil {
		return nil, fmt.Errorf("error loading config from %q: %w", dir, err)
	}
	return cfg, nil
}
