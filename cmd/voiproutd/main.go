package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "voiproutd",
		Short:         "Multi-tenant call routing service for FreeSWITCH",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "/etc/voiproutd.yaml", "config file path")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(routeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
