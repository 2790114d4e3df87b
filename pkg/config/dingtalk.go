package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DM policies.
const (
	DMPolicyDisabled  = "disabled"
	DMPolicyPairing   = "pairing"
	DMPolicyAllowlist = "allowlist"
	DMPolicyOpen      = "open"
)

// Group policies.
const (
	GroupPolicyDisabled  = "disabled"
	GroupPolicyAllowlist = "allowlist"
	GroupPolicyOpen      = "open"
)

// Outbound message formats. FormatRichText is a deprecated alias for markdown.
const (
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatRichText = "richtext"
	FormatAuto     = "auto"
)

// Long text modes.
const (
	LongTextChunk = "chunk"
	LongTextFile  = "file"
)

// Credential sources reported by ResolveAccount.
const (
	CredentialSourceConfig = "config"
	CredentialSourceEnv    = "env"
	CredentialSourceNone   = "none"
)

const (
	DefaultAccountID              = "default"
	DefaultTextChunkLimit         = 2000
	DefaultLongTextThreshold      = 8000
	DefaultMentionLookupTimeoutMS = 3000
)

// DMConfig controls direct-message handling.
type DMConfig struct {
	Enabled   bool     `koanf:"enabled" yaml:"enabled"`
	Policy    string   `koanf:"policy" yaml:"policy"`
	AllowFrom []string `koanf:"allow_from" yaml:"allow_from,omitempty"`
}

// DingTalkConfig configures the DingTalk stream channel.
type DingTalkConfig struct {
	Enabled      bool   `koanf:"enabled" yaml:"enabled"`
	AccountID    string `koanf:"account_id" yaml:"account_id,omitempty"`
	Name         string `koanf:"name" yaml:"name,omitempty"`
	ClientID     string `koanf:"client_id" yaml:"client_id,omitempty"`
	ClientSecret string `koanf:"client_secret" yaml:"client_secret,omitempty"`
	RobotCode    string `koanf:"robot_code" yaml:"robot_code,omitempty"`

	DM             DMConfig `koanf:"dm" yaml:"dm"`
	GroupPolicy    string   `koanf:"group_policy" yaml:"group_policy"`
	GroupAllowlist []string `koanf:"group_allowlist" yaml:"group_allowlist,omitempty"`
	RequireMention bool     `koanf:"require_mention" yaml:"require_mention"`

	MessageFormat     string `koanf:"message_format" yaml:"message_format"`
	ShowThinking      bool   `koanf:"show_thinking" yaml:"show_thinking,omitempty"`
	TextChunkLimit    int    `koanf:"text_chunk_limit" yaml:"text_chunk_limit,omitempty"`
	LongTextMode      string `koanf:"long_text_mode" yaml:"long_text_mode,omitempty"`
	LongTextThreshold int    `koanf:"long_text_threshold" yaml:"long_text_threshold,omitempty"`

	MediaDir               string `koanf:"media_dir" yaml:"media_dir,omitempty"`
	UserCachePath          string `koanf:"user_cache_path" yaml:"user_cache_path,omitempty"`
	MentionLookupTimeoutMS int    `koanf:"mention_lookup_timeout_ms" yaml:"mention_lookup_timeout_ms,omitempty"`
}

// DefaultDingTalkConfig returns the channel defaults.
func DefaultDingTalkConfig() DingTalkConfig {
	return DingTalkConfig{
		DM:                     DMConfig{Enabled: true, Policy: DMPolicyPairing},
		GroupPolicy:            GroupPolicyAllowlist,
		RequireMention:         true,
		MessageFormat:          FormatText,
		TextChunkLimit:         DefaultTextChunkLimit,
		LongTextMode:           LongTextChunk,
		LongTextThreshold:      DefaultLongTextThreshold,
		MentionLookupTimeoutMS: DefaultMentionLookupTimeoutMS,
	}
}

func (c DingTalkConfig) validate() []error {
	var errs []error
	switch c.DM.Policy {
	case "", DMPolicyDisabled, DMPolicyPairing, DMPolicyAllowlist, DMPolicyOpen:
	default:
		errs = append(errs, fmt.Errorf("channels.dingtalk.dm.policy: unsupported value %q", c.DM.Policy))
	}
	switch c.GroupPolicy {
	case "", GroupPolicyDisabled, GroupPolicyAllowlist, GroupPolicyOpen:
	default:
		errs = append(errs, fmt.Errorf("channels.dingtalk.group_policy: unsupported value %q", c.GroupPolicy))
	}
	switch c.MessageFormat {
	case "", FormatText, FormatMarkdown, FormatRichText, FormatAuto:
	default:
		errs = append(errs, fmt.Errorf("channels.dingtalk.message_format: unsupported value %q", c.MessageFormat))
	}
	switch c.LongTextMode {
	case "", LongTextChunk, LongTextFile:
	default:
		errs = append(errs, fmt.Errorf("channels.dingtalk.long_text_mode: unsupported value %q", c.LongTextMode))
	}
	if c.TextChunkLimit < 0 {
		errs = append(errs, errors.New("channels.dingtalk.text_chunk_limit must be non-negative"))
	}
	if c.LongTextThreshold < 0 {
		errs = append(errs, errors.New("channels.dingtalk.long_text_threshold must be non-negative"))
	}
	return errs
}

// Account is the resolved, read-only view of one DingTalk identity.
type Account struct {
	ID               string
	Name             string
	Enabled          bool
	Configured       bool
	ClientID         string
	ClientSecret     string
	RobotCode        string
	CredentialSource string

	DM             DMConfig
	GroupPolicy    string
	GroupAllowlist []string
	RequireMention bool

	MessageFormat     string
	ShowThinking      bool
	TextChunkLimit    int
	LongTextMode      string
	LongTextThreshold int

	MediaDir               string
	UserCachePath          string
	MentionLookupTimeoutMS int
}

// HasCredentials reports whether REST and media calls can be authenticated.
func (a Account) HasCredentials() bool {
	return a.ClientID != "" && a.ClientSecret != ""
}

// ResolveAccount merges channel config with DINGTALK_* environment fallbacks.
func ResolveAccount(cfg DingTalkConfig) Account {
	defaults := DefaultDingTalkConfig()

	account := Account{
		ID:                     strings.TrimSpace(cfg.AccountID),
		Name:                   strings.TrimSpace(cfg.Name),
		Enabled:                cfg.Enabled,
		DM:                     cfg.DM,
		GroupPolicy:            orDefault(cfg.GroupPolicy, defaults.GroupPolicy),
		GroupAllowlist:         splitList(cfg.GroupAllowlist),
		RequireMention:         cfg.RequireMention,
		MessageFormat:          orDefault(cfg.MessageFormat, defaults.MessageFormat),
		ShowThinking:           cfg.ShowThinking,
		TextChunkLimit:         cfg.TextChunkLimit,
		LongTextMode:           orDefault(cfg.LongTextMode, defaults.LongTextMode),
		LongTextThreshold:      cfg.LongTextThreshold,
		MediaDir:               strings.TrimSpace(cfg.MediaDir),
		UserCachePath:          strings.TrimSpace(cfg.UserCachePath),
		MentionLookupTimeoutMS: cfg.MentionLookupTimeoutMS,
	}
	if account.ID == "" {
		account.ID = DefaultAccountID
	}
	account.DM.Policy = orDefault(account.DM.Policy, defaults.DM.Policy)
	account.DM.AllowFrom = splitList(account.DM.AllowFrom)
	if account.TextChunkLimit <= 0 {
		account.TextChunkLimit = defaults.TextChunkLimit
	}
	if account.LongTextThreshold <= 0 {
		account.LongTextThreshold = defaults.LongTextThreshold
	}
	if account.MentionLookupTimeoutMS <= 0 {
		account.MentionLookupTimeoutMS = defaults.MentionLookupTimeoutMS
	}
	if account.MediaDir == "" {
		account.MediaDir = filepath.Join(os.TempDir(), "dingclaw-media")
	}
	if account.UserCachePath == "" {
		account.UserCachePath = filepath.Join(os.TempDir(), "dingclaw-users-"+account.ID+".db")
	}

	clientID := strings.TrimSpace(cfg.ClientID)
	clientSecret := strings.TrimSpace(cfg.ClientSecret)
	robotCode := strings.TrimSpace(cfg.RobotCode)

	switch {
	case clientID != "" && clientSecret != "":
		account.CredentialSource = CredentialSourceConfig
	case envValue("DINGTALK_CLIENT_ID") != "" && envValue("DINGTALK_CLIENT_SECRET") != "":
		clientID = envValue("DINGTALK_CLIENT_ID")
		clientSecret = envValue("DINGTALK_CLIENT_SECRET")
		if robotCode == "" {
			robotCode = envValue("DINGTALK_ROBOT_CODE")
		}
		account.CredentialSource = CredentialSourceEnv
	default:
		account.CredentialSource = CredentialSourceNone
	}
	if robotCode == "" {
		robotCode = clientID
	}

	account.ClientID = clientID
	account.ClientSecret = clientSecret
	account.RobotCode = robotCode
	account.Configured = account.HasCredentials()
	return account
}

// splitList accepts either a YAML list or a single comma-separated env value.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		out = append(out, parseCSV(value)...)
	}
	return out
}

func orDefault(value, fallback string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}

func envValue(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
