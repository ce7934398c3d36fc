package cli

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/tbourn/crm-sync/internal/telegram"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Manage the Telegram webhook registration",
}

var webhookURL string

var webhookSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Point the bot's webhook at this deployment",
	Long: `Register --url (normally https://<host>/webhook/telegram) with Telegram.
TELEGRAM_WEBHOOK_SECRET is sent along so Telegram echoes it back in the
X-Telegram-Bot-Api-Secret-Token header of every delivery.`,
	Example: "  crmsync webhook set --url https://crm.example.com/webhook/telegram",
	RunE: func(cmd *cobra.Command, _ []string) error {
		u, err := url.Parse(webhookURL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return errors.New("--url must be an absolute https URL")
		}
		tg, secret, err := telegramFromEnv()
		if err != nil {
			return err
		}
		if err := tg.SetWebhook(webhookURL, secret); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "webhook set to %s (secret token: %t)\n", webhookURL, secret != "")
		return nil
	},
}

var webhookInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the registered webhook and its delivery backlog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tg, _, err := telegramFromEnv()
		if err != nil {
			return err
		}
		u, pending, lastErr, err := tg.WebhookInfo()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "url:      %s\n", u)
		fmt.Fprintf(out, "pending:  %d\n", pending)
		if lastErr != "" {
			fmt.Fprintf(out, "last err: %s\n", lastErr)
		}
		return nil
	},
}

func init() {
	webhookSetCmd.Flags().StringVar(&webhookURL, "url", "", "public https URL of /webhook/telegram (required)")
	_ = webhookSetCmd.MarkFlagRequired("url")
	webhookCmd.AddCommand(webhookSetCmd, webhookInfoCmd)
	rootCmd.AddCommand(webhookCmd)
}

func telegramFromEnv() (*telegram.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	if cfg.Telegram.BotToken == "" {
		return nil, "", errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	tg, err := telegram.New(cfg.Telegram.BotToken)
	if err != nil {
		return nil, "", err
	}
	return tg, cfg.Telegram.WebhookSecret, nil
}
