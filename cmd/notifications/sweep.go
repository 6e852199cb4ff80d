package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one scheduled-notification sweep and exit",
	Long: `Promotes every scheduled notification that is due and closes stale delivery
claims. Delivery itself is left to the change consumer of a running server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger(cfg)
		a, err := newApp(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		report, err := a.sweeper().RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}
