package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dingclaw/pkg/dingtalk"
)

var probeStream bool

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check DingTalk credentials",
	Long:  "Acquires an access token with the configured credentials and reports the latency. With --stream it also registers a stream connection.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if _, err := setupLogger(cfg, "cmd.probe"); err != nil {
			return err
		}

		account, creds, err := resolveAccount(cfg)
		if err != nil {
			return err
		}

		result, err := runProbe(cmd.Context(), dingtalk.NewClient(), creds, probeStream)
		if err != nil {
			return fmt.Errorf("probe account %q: %w", account.ID, err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "account:      %s (credentials from %s)\n", account.ID, account.CredentialSource)
		fmt.Fprintf(out, "access token: ok in %s\n", result.TokenLatency.Round(time.Millisecond))
		if result.StreamEndpoint != "" {
			fmt.Fprintf(out, "stream:       %s in %s\n", result.StreamEndpoint, result.StreamLatency.Round(time.Millisecond))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().BoolVar(&probeStream, "stream", false, "also open a stream connection ticket")
}

type prober interface {
	AccessToken(ctx context.Context, creds dingtalk.Credentials) (string, error)
	OpenConnection(ctx context.Context, creds dingtalk.Credentials, userAgent string, subs []dingtalk.Subscription) (dingtalk.Endpoint, error)
}

type probeResult struct {
	TokenLatency   time.Duration
	StreamEndpoint string
	StreamLatency  time.Duration
}

func runProbe(ctx context.Context, client prober, creds dingtalk.Credentials, withStream bool) (probeResult, error) {
	var result probeResult

	startedAt := time.Now()
	if _, err := client.AccessToken(ctx, creds); err != nil {
		return result, fmt.Errorf("access token: %w", err)
	}
	result.TokenLatency = time.Since(startedAt)

	if !withStream {
		return result, nil
	}

	startedAt = time.Now()
	endpoint, err := client.OpenConnection(ctx, creds, "dingclaw-probe", []dingtalk.Subscription{
		{Type: dingtalk.SubscriptionCallback, Topic: dingtalk.TopicRobotMessage},
	})
	if err != nil {
		return result, fmt.Errorf("stream connection: %w", err)
	}
	result.StreamLatency = time.Since(startedAt)
	result.StreamEndpoint = endpoint.URL
	return result, nil
}
