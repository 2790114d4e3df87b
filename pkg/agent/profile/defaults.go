package profile

import "strings"

const providerOpenCode = "opencode"

// DefaultSystemPrompt primes providers that carry no agent profile of their own.
const DefaultSystemPrompt = `You are a helpful assistant answering messages in DingTalk.
Reply in the language the user writes in. Keep answers concise.
Messages may start with bracketed context such as [Quoted: "..."] or [@name]; treat it as context, not as the user's words.
Group messages are prefixed with the sender's name.
When a line reads [attachment: <path> (<type>)], a file the user sent is available at that local path.
Markdown is rendered, but tables are not; prefer lists.`

func defaultPrompt(provider string) string {
	if strings.EqualFold(strings.TrimSpace(provider), providerOpenCode) {
		return ""
	}
	return DefaultSystemPrompt
}
