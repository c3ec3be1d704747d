package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "beton",
		Short:         "Beton - payment reconciliation for the ad exchange",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// a missing .env is fine, the environment may be set already
			_ = godotenv.Load()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (YAML, same keys as the environment)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(relinkCmd(&configPath))
	rootCmd.AddCommand(pruneCmd(&configPath))
	rootCmd.AddCommand(paymentCmd(&configPath))
	rootCmd.AddCommand(auditCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
