package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sapliy/notification-engine/internal/notification"
)

var (
	emailTitle string
	emailBody  string
)

var emailTestCmd = &cobra.Command{
	Use:   "email-test <address>",
	Short: "Send one rendered notification email to verify the Resend setup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Email.APIKey == "" {
			return errors.New("email.api_key is not set")
		}
		sender := notification.NewEmailService(cfg.Email.APIKey, cfg.Email.From, cfg.Email.RedirectTo)
		driver := notification.NewEmailDriver(sender, cfg.Email.AppName)

		res, err := driver.Deliver(context.Background(), notification.Message{
			Title: emailTitle,
			Body:  emailBody,
			Data:  map[string]string{"type": "test"},
		}, []notification.Target{{Channel: notification.ChannelEmail, Token: args[0]}})
		if err != nil {
			return err
		}

		out := res.(notification.PerTokenResult).Outcomes[0]
		if !out.Success {
			return fmt.Errorf("email to %s failed: %s", args[0], out.Reason)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "email sent to %s\n", args[0])
		return nil
	},
}

func init() {
	emailTestCmd.Flags().StringVar(&emailTitle, "title", "Test notification", "email subject and heading")
	emailTestCmd.Flags().StringVar(&emailBody, "body", "This is a test email to verify the email channel.", "email body")
}
