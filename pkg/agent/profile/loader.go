// Package profile resolves the system prompt sent at the start of each session.
package profile

import (
	"fmt"
	"os"
	"strings"
)

const filePrefix = "@"

// ResolveSystemProfile returns the system prompt for provider. A configured
// value wins; "@path" reads the prompt from a file. OpenCode agents carry
// their own profile, so it gets none by default.
func ResolveSystemProfile(provider, configured string) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return defaultPrompt(provider), nil
	}

	path, ok := strings.CutPrefix(configured, filePrefix)
	if !ok {
		return configured, nil
	}

	content, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return "", fmt.Errorf("load system prompt file: %w", err)
	}

	prompt := strings.TrimSpace(string(content))
	if prompt == "" {
		return "", fmt.Errorf("system prompt file %q is empty", path)
	}

	return prompt, nil
}
