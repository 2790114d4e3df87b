// Package delivery sends reply text back to DingTalk, preferring the session
// webhook and falling back to the robot REST API.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"dingclaw/pkg/config"
	"dingclaw/pkg/dingtalk"
	"dingclaw/pkg/logger"
)

const (
	webhookAttempts = 2
	webhookRetryGap = time.Second
	replyTitle      = "Reply"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// API is the subset of *dingtalk.Client the engine sends through.
type API interface {
	SendWebhook(ctx context.Context, webhookURL string, msg dingtalk.WebhookMessage) error
	SendRobotMessage(ctx context.Context, creds dingtalk.Credentials, to dingtalk.Recipient, msg dingtalk.RobotMessage) (string, error)
	UploadMedia(ctx context.Context, creds dingtalk.Credentials, mediaType, fileName string, data []byte) (string, error)
}

// Target is where a reply goes. The webhook is only used before its expiry.
type Target struct {
	SessionWebhook string
	WebhookExpiry  time.Time
	Recipient      dingtalk.Recipient
}

// Settings are the per-account formatting options.
type Settings struct {
	Format            string
	ChunkLimit        int
	LongTextMode      string
	LongTextThreshold int
}

// SettingsFor reads delivery settings from a resolved account.
func SettingsFor(account config.Account) Settings {
	return Settings{
		Format:            account.MessageFormat,
		ChunkLimit:        account.TextChunkLimit,
		LongTextMode:      account.LongTextMode,
		LongTextThreshold: account.LongTextThreshold,
	}
}

// Report summarizes one Deliver call.
type Report struct {
	Format    string
	Chunks    int
	ByWebhook int
	ByREST    int
	Failed    int
	AsFile    bool
}

// Delivered reports whether every part of the reply reached DingTalk.
func (r Report) Delivered() bool {
	return r.Failed == 0 && (r.Chunks > 0 || r.AsFile)
}

// Engine delivers replies for one account.
type Engine struct {
	api      API
	creds    dingtalk.Credentials
	settings Settings
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	log      *slog.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSleep replaces the pause between webhook attempts.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = logger.Component(log, "delivery") }
}

func NewEngine(api API, creds dingtalk.Credentials, settings Settings, opts ...Option) *Engine {
	if settings.ChunkLimit <= 0 {
		settings.ChunkLimit = config.DefaultTextChunkLimit
	}
	e := &Engine{
		api:      api,
		creds:    creds,
		settings: settings,
		now:      time.Now,
		sleep:    sleepContext,
		log:      logger.Component(nil, "delivery"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deliver sends text to target. Failures are logged and counted in the
// report, never returned.
func (e *Engine) Deliver(ctx context.Context, target Target, text string) Report {
	if strings.TrimSpace(text) == "" {
		return Report{}
	}

	if e.wantsFile(text) {
		err := e.deliverFile(ctx, target, text)
		if err == nil {
			return Report{AsFile: true}
		}
		e.log.Warn("Long text file delivery failed, sending as text", "error", err)
	}

	report := Report{Format: ResolveFormat(e.settings.Format, text)}
	if report.Format == config.FormatMarkdown {
		text = RewriteImageURLs(FlattenTables(text))
	}

	chunks := Chunk(text, e.settings.ChunkLimit)
	report.Chunks = len(chunks)

	now := e.now()
	webhookLive := target.SessionWebhook != "" && now.Before(target.WebhookExpiry)
	if target.SessionWebhook != "" && !webhookLive {
		e.log.Debug("Session webhook expired", "expiry", target.WebhookExpiry)
	}

	for i, chunk := range chunks {
		if webhookLive && e.sendWebhook(ctx, target.SessionWebhook, report.Format, chunk) {
			report.ByWebhook++
			continue
		}
		if !e.creds.Valid() {
			e.log.Error("No delivery method available", "chunk", i+1, "chunks", len(chunks))
			report.Failed++
			continue
		}
		if _, err := e.api.SendRobotMessage(ctx, e.creds, target.Recipient, dingtalk.RobotText(chunk)); err != nil {
			e.log.Error("REST delivery failed", "chunk", i+1, "chunks", len(chunks), "error", err)
			report.Failed++
			continue
		}
		report.ByREST++
	}

	return report
}

// sendWebhook tries the session webhook up to webhookAttempts times.
func (e *Engine) sendWebhook(ctx context.Context, url, format, chunk string) bool {
	msg := dingtalk.TextMessage(chunk)
	if format == config.FormatMarkdown {
		msg = dingtalk.MarkdownMessage(replyTitle, chunk)
	}

	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		err := e.api.SendWebhook(ctx, url, msg)
		if err == nil {
			return true
		}
		e.log.Warn("Session webhook send failed", "attempt", attempt, "max_attempts", webhookAttempts, "error", err)
		if attempt < webhookAttempts {
			if err := e.sleep(ctx, webhookRetryGap); err != nil {
				return false
			}
		}
	}
	return false
}

func (e *Engine) wantsFile(text string) bool {
	return e.settings.LongTextMode == config.LongTextFile &&
		e.settings.LongTextThreshold > 0 &&
		utf8.RuneCountInString(text) > e.settings.LongTextThreshold
}

// deliverFile uploads text as a BOM-prefixed markdown file and sends it as a
// file message.
func (e *Engine) deliverFile(ctx context.Context, target Target, text string) error {
	if !e.creds.Valid() {
		return dingtalk.ErrNoCredentials
	}

	fileName := fmt.Sprintf("reply_%s.md", e.now().UTC().Format("2006-01-02T15-04-05"))
	data := make([]byte, 0, len(utf8BOM)+len(text))
	data = append(data, utf8BOM...)
	data = append(data, text...)

	mediaID, err := e.api.UploadMedia(ctx, e.creds, "file", fileName, data)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	fileType := strings.TrimPrefix(filepath.Ext(fileName), ".")
	if _, err := e.api.SendRobotMessage(ctx, e.creds, target.Recipient, dingtalk.RobotFile(mediaID, fileName, fileType)); err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	e.log.Info("Long reply delivered as file", "file", fileName, "runes", utf8.RuneCountInString(text))
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
