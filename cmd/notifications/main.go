package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sapliy/notification-engine/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Notification delivery engine",
	Long: `Delivers notifications to push and email channels when they become sent,
promotes scheduled notifications, and serves the read-marking and test-send RPCs.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); NOTIFY_* environment variables override it")
	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd, tokenCmd, outcomesCmd, emailTestCmd)
}

func main() {
	Execute()
}
