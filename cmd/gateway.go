package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"dingclaw/pkg/bus"
	"dingclaw/pkg/channel"
	dingtalkchannel "dingclaw/pkg/channel/dingtalk"
	"dingclaw/pkg/config"
	"dingclaw/pkg/dingtalk"
	"dingclaw/pkg/gateway"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the DingTalk bridge",
	Long:  "Connects to DingTalk stream mode, answers messages through the configured provider and serves health and readiness endpoints.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log, err := setupLogger(cfg, "cmd.gateway")
		if err != nil {
			return err
		}

		messageBus := bus.New()
		defer messageBus.Close()

		adapters, err := enabledAdapters(cfg, dingtalk.NewClient(dingtalk.WithLogger(log)), messageBus, log)
		if err != nil {
			return fmt.Errorf("gateway configuration invalid: %w", err)
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(cfg, adapters, log, gateway.WithBus(messageBus))
		if err != nil {
			return fmt.Errorf("initialize gateway service: %w", err)
		}

		log.Info("Gateway started", "channels", enabledChannelNames(adapters), "provider", cfg.Agents.Defaults.Provider, "model", cfg.Agents.Defaults.Model)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("gateway runtime failed: %w", err)
		}
		log.Info("Gateway stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func enabledAdapters(cfg *config.Config, client dingtalkchannel.API, messageBus *bus.Bus, log *slog.Logger) ([]channel.Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	adapters := make([]channel.Adapter, 0, 1)

	if cfg.Channels.DingTalk.Enabled {
		account, _, err := resolveAccount(cfg)
		if err != nil {
			return nil, err
		}
		monitor, err := dingtalkchannel.NewMonitor(account, client,
			dingtalkchannel.WithLogger(log),
			dingtalkchannel.WithBus(messageBus),
		)
		if err != nil {
			return nil, fmt.Errorf("configure dingtalk channel: %w", err)
		}
		log.Info("DingTalk account resolved", "account", account.ID, "credentials", account.CredentialSource, "dm_policy", account.DM.Policy, "group_policy", account.GroupPolicy)
		adapters = append(adapters, monitor)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
