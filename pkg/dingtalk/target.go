package dingtalk

import (
	"fmt"
	"strings"
)

// ParseTarget accepts dingtalk:dm:<id>, dingtalk:group:<id>, dm:<id>,
// group:<id> or a bare id (treated as a direct message).
func ParseTarget(to string) (Recipient, error) {
	value := strings.TrimSpace(to)
	value = strings.TrimPrefix(value, "dingtalk:")

	switch {
	case strings.HasPrefix(value, "group:"):
		id := strings.TrimSpace(strings.TrimPrefix(value, "group:"))
		if id == "" {
			return Recipient{}, fmt.Errorf("invalid target %q: %w", to, ErrNoRecipient)
		}
		return Recipient{ConversationID: id, Group: true}, nil
	case strings.HasPrefix(value, "dm:"):
		value = strings.TrimPrefix(value, "dm:")
	case strings.HasPrefix(value, "user:"):
		value = strings.TrimPrefix(value, "user:")
	}

	id := strings.TrimSpace(value)
	if id == "" {
		return Recipient{}, fmt.Errorf("invalid target %q: %w", to, ErrNoRecipient)
	}
	return Recipient{UserID: id}, nil
}

// ImageMarkdown renders an image reference as a markdown webhook message.
func ImageMarkdown(imageURL, caption string) WebhookMessage {
	text := fmt.Sprintf("![image](%s)", imageURL)
	title := "Image"
	if caption = strings.TrimSpace(caption); caption != "" {
		text = caption + "\n\n" + text
		title = caption
	}
	return MarkdownMessage(title, text)
}
