package main

import (
	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentfabric/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fabric-sentinel",
	Short: "Route envelopes between agent fabric nodes",
	Long: `fabric-sentinel accepts links from nodes and peer sentinels, learns the
routes they announce and forwards envelopes by address or capability.

Configuration is read from a TOML or YAML file. Values may reference the
environment as ${env:NAME} or ${env:NAME:default}.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a .toml or .yaml config file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads --config, or returns the defaults of a standalone
// sentinel when no file is given.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Parse(nil, config.FormatYAML)
	}
	return config.Load(configPath)
}
