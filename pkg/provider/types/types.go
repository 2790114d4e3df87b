package types

// PromptRequest is one turn sent to a provider session.
type PromptRequest struct {
	SessionID string
	Text      string
	Model     string
	Agent     string
}

// PromptResult is the normalized provider response payload.
type PromptResult struct {
	Text     string
	Metadata PromptMetadata
}

// PromptMetadata carries provider/model identity and optional usage accounting.
type PromptMetadata struct {
	Provider string
	Model    string
	Agent    string
	Usage    *TokenUsage
}

// TokenUsage captures token accounting across providers.
type TokenUsage struct {
	InputTokens     int64
	OutputTokens    int64
	TotalTokens     int64
	ReasoningTokens int64
	CacheReadTokens int64
}

// IsZero reports whether all token counters are unset/zero.
func (u TokenUsage) IsZero() bool {
	return u == TokenUsage{}
}

// UsageOrNil returns a pointer to u, or nil when nothing was counted.
func UsageOrNil(u TokenUsage) *TokenUsage {
	if u.IsZero() {
		return nil
	}
	return &u
}
