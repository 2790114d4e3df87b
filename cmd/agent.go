package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"dingclaw/pkg/agent"
	agentprofile "dingclaw/pkg/agent/profile"
	"dingclaw/pkg/provider"
	providertypes "dingclaw/pkg/provider/types"
)

var promptText string

var agentCmd = &cobra.Command{
	Use:   "agent [prompt]",
	Short: "Talk to the reply agent locally",
	Long:  "Sends one prompt, or starts an interactive chat, through the same provider, model and system prompt the gateway uses for DingTalk sessions. In a chat, /history lists the turns so far.",
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := resolvePrompt(args)

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if _, err := setupLogger(cfg, "cmd.agent"); err != nil {
			return err
		}

		client, err := provider.New(cfg)
		if err != nil {
			return fmt.Errorf("initialize provider: %w", err)
		}

		defaults := cfg.Agents.Defaults
		system, err := agentprofile.ResolveSystemProfile(provider.ID(cfg), defaults.SystemPrompt)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		inst := agent.New(client, defaults.Model, defaults.Agent, system)
		if err := inst.StartSession(ctx, "dingclaw:cli"); err != nil {
			return fmt.Errorf("start session: %w", err)
		}

		out := cmd.OutOrStdout()
		if prompt != "" {
			result, err := inst.Prompt(ctx, prompt)
			if err != nil {
				return fmt.Errorf("prompt failed: %w", err)
			}
			fmt.Fprintln(out, result.Text)
			return nil
		}

		runInteractive(ctx, inst, os.Stdin, out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(agentCmd)
	agentCmd.Flags().StringVarP(&promptText, "prompt", "p", "", "prompt text to send")
}

func resolvePrompt(args []string) string {
	if value := strings.TrimSpace(promptText); value != "" {
		return value
	}

	return strings.TrimSpace(strings.Join(args, " "))
}

type chatSession interface {
	Prompt(ctx context.Context, prompt string) (providertypes.PromptResult, error)
	MemorySnapshot() []agent.MemoryEntry
}

func runInteractive(ctx context.Context, inst chatSession, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, "you> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				fmt.Fprintf(out, "input error: %v\n", err)
			}
			return
		}

		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}
		if isExitCommand(prompt) {
			return
		}
		if strings.EqualFold(prompt, "/history") {
			printHistory(out, inst.MemorySnapshot())
			continue
		}

		result, err := inst.Prompt(ctx, prompt)
		if err != nil {
			fmt.Fprintf(out, "prompt failed: %v\n", err)
			continue
		}

		printAssistantMessage(out, result.Text)
	}
}

func printAssistantMessage(out io.Writer, message string) {
	lines := assistantLines(message)
	for _, line := range lines {
		fmt.Fprintf(out, "bot> %s\n", line)
	}
	if len(lines) > 0 {
		fmt.Fprintln(out)
	}
}

// printHistory lists the session transcript, one turn per line.
func printHistory(out io.Writer, entries []agent.MemoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "(no history)")
		return
	}
	for _, entry := range entries {
		first, _, more := strings.Cut(entry.Content, "\n")
		if more {
			first += " ..."
		}
		fmt.Fprintf(out, "%s %s> %s\n", entry.At.Local().Format("15:04:05"), entry.Role, first)
	}
}

func assistantLines(message string) []string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "\n")
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}
