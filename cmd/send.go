package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dingclaw/pkg/delivery"
	"dingclaw/pkg/dingtalk"
)

type sendOptions struct {
	markdown   bool
	title      string
	image      string
	webhook    string
	chunkLimit int
}

var sendFlags sendOptions

var sendCmd = &cobra.Command{
	Use:   "send <to> <text...>",
	Short: "Send a proactive message",
	Long: `Sends a message through the robot REST API.

<to> is dingtalk:dm:<staffId>, dingtalk:group:<openConversationId>, dm:<id>,
group:<id> or a bare staffId. With --webhook the message is posted to a
session webhook instead and <to> is omitted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := setupLogger(cfg, "cmd.send")
		if err != nil {
			return err
		}

		opts := sendFlags
		account, creds, err := resolveAccount(cfg)
		if err != nil && opts.webhook == "" {
			return err
		}
		opts.chunkLimit = account.TextChunkLimit

		summary, err := sendMessage(cmd.Context(), dingtalk.NewClient(dingtalk.WithLogger(log)), creds, opts, args)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), summary)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().BoolVar(&sendFlags.markdown, "markdown", false, "send as a markdown message")
	sendCmd.Flags().StringVar(&sendFlags.title, "title", "", "markdown title shown in the notification")
	sendCmd.Flags().StringVar(&sendFlags.image, "image", "", "image URL to embed; the text becomes its caption")
	sendCmd.Flags().StringVar(&sendFlags.webhook, "webhook", "", "post to this session webhook instead of the REST API")
}

type sender interface {
	SendWebhook(ctx context.Context, webhookURL string, msg dingtalk.WebhookMessage) error
	SendRobotMessage(ctx context.Context, creds dingtalk.Credentials, to dingtalk.Recipient, msg dingtalk.RobotMessage) (string, error)
}

// sendMessage posts text per opts and returns a one-line summary.
func sendMessage(ctx context.Context, client sender, creds dingtalk.Credentials, opts sendOptions, args []string) (string, error) {
	if opts.webhook != "" {
		text := strings.TrimSpace(strings.Join(args, " "))
		if text == "" && opts.image == "" {
			return "", errors.New("message text is required")
		}
		if err := client.SendWebhook(ctx, opts.webhook, webhookMessage(opts, text)); err != nil {
			return "", fmt.Errorf("send via webhook: %w", err)
		}
		return "sent via session webhook", nil
	}

	to, err := dingtalk.ParseTarget(args[0])
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(strings.Join(args[1:], " "))
	if text == "" && opts.image == "" {
		return "", errors.New("message text is required")
	}

	var messages []dingtalk.RobotMessage
	switch {
	case opts.image != "":
		image := dingtalk.ImageMarkdown(opts.image, text).Markdown
		messages = append(messages, dingtalk.RobotMarkdown(image.Title, image.Text))
	case opts.markdown:
		messages = append(messages, dingtalk.RobotMarkdown(opts.title, text))
	default:
		for _, chunk := range delivery.Chunk(text, opts.chunkLimit) {
			messages = append(messages, dingtalk.RobotText(chunk))
		}
	}

	var queryKey string
	for i, msg := range messages {
		queryKey, err = client.SendRobotMessage(ctx, creds, to, msg)
		if err != nil {
			return "", fmt.Errorf("send part %d/%d: %w", i+1, len(messages), err)
		}
	}
	return fmt.Sprintf("sent %d message(s) to %s (processQueryKey %s)", len(messages), describeRecipient(to), queryKey), nil
}

func webhookMessage(opts sendOptions, text string) dingtalk.WebhookMessage {
	switch {
	case opts.image != "":
		return dingtalk.ImageMarkdown(opts.image, text)
	case opts.markdown:
		return dingtalk.MarkdownMessage(opts.title, text)
	default:
		return dingtalk.TextMessage(text)
	}
}

func describeRecipient(to dingtalk.Recipient) string {
	if to.Group {
		return "group " + to.ConversationID
	}
	return "user " + to.UserID
}
