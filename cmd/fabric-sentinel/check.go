package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "role %s, id %q\n", cfg.Node.Role, cfg.Node.ID)
		for _, l := range cfg.Listeners {
			fmt.Fprintf(out, "listener %s %s\n", l.Type, l.Address)
		}
		for _, p := range cfg.Peers {
			fmt.Fprintf(out, "peer %s\n", p.URL)
		}
		fmt.Fprintln(out, "config ok")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
