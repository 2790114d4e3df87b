// Package cmd holds the dingclaw command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"dingclaw/pkg/config"
	"dingclaw/pkg/dingtalk"
	"dingclaw/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "dingclaw",
	Short:         "DingTalk stream bridge",
	Long:          "Bridges DingTalk robot conversations to an AI agent over stream mode.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $DINGCLAW_CONFIG, ./config.yaml or ./config/config.yaml)")
}

func loadConfig() (*config.Config, error) {
	if path := strings.TrimSpace(configPath); path != "" {
		return config.Load(path)
	}
	return config.LoadConfig()
}

// setupLogger installs the configured logger as the slog default.
func setupLogger(cfg *config.Config, component string) (*slog.Logger, error) {
	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)
	return logger.Component(appLogger, component), nil
}

// resolveAccount returns the DingTalk account and its API credentials, failing
// when no credentials are available from config or environment.
func resolveAccount(cfg *config.Config) (config.Account, dingtalk.Credentials, error) {
	account := config.ResolveAccount(cfg.Channels.DingTalk)
	creds := dingtalk.Credentials{
		ClientID:     account.ClientID,
		ClientSecret: account.ClientSecret,
		RobotCode:    account.RobotCode,
	}
	if !account.Configured {
		return account, creds, fmt.Errorf("dingtalk account %q: %w (set channels.dingtalk.client_id/client_secret or DINGTALK_CLIENT_ID/DINGTALK_CLIENT_SECRET)", account.ID, dingtalk.ErrNoCredentials)
	}
	return account, creds, nil
}
