package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"dingclaw/pkg/config"
)

type initOptions struct {
	path         string
	force        bool
	clientID     string
	clientSecret string
	provider     string
	model        string
}

var initFlags initOptions

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config.yaml",
	Long:  "Writes a config file with every documented default and the DingTalk channel enabled. Credentials may be left empty and supplied through DINGTALK_CLIENT_ID and DINGTALK_CLIENT_SECRET.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := initFlags
		if opts.path == "" {
			opts.path = strings.TrimSpace(configPath)
		}
		if opts.path == "" {
			opts.path = config.DefaultPath()
		}

		if err := writeStarterConfig(opts); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", opts.path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initFlags.path, "path", "", "where to write the config (default --config or ./config.yaml)")
	initCmd.Flags().BoolVar(&initFlags.force, "force", false, "overwrite an existing file")
	initCmd.Flags().StringVar(&initFlags.clientID, "client-id", "", "DingTalk app client id (AppKey)")
	initCmd.Flags().StringVar(&initFlags.clientSecret, "client-secret", "", "DingTalk app client secret (AppSecret)")
	initCmd.Flags().StringVar(&initFlags.provider, "provider", "openai", "reply provider: openai or opencode")
	initCmd.Flags().StringVar(&initFlags.model, "model", "", "model reference passed to the provider")
}

func writeStarterConfig(opts initOptions) error {
	if _, err := os.Stat(opts.path); err == nil && !opts.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", opts.path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("check %s: %w", opts.path, err)
	}

	cfg := config.Default()
	cfg.Channels.DingTalk.Enabled = true
	cfg.Channels.DingTalk.ClientID = strings.TrimSpace(opts.clientID)
	cfg.Channels.DingTalk.ClientSecret = strings.TrimSpace(opts.clientSecret)
	if provider := strings.TrimSpace(opts.provider); provider != "" {
		cfg.Agents.Defaults.Provider = provider
	}
	cfg.Agents.Defaults.Model = strings.TrimSpace(opts.model)
	switch cfg.Agents.Defaults.Provider {
	case "opencode":
		cfg.Providers.OpenCode.BaseURL = "http://127.0.0.1:4096"
	default:
		cfg.Providers.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
		if cfg.Agents.Defaults.Model == "" {
			cfg.Agents.Defaults.Model = "gpt-5.2"
		}
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	return cfg.Save(opts.path)
}
