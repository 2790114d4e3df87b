package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dingclaw/pkg/dingtalk"
	"dingclaw/pkg/logger"
	"dingclaw/pkg/media"
)

// Placeholders used when a message has no usable text of its own.
const (
	PlaceholderVoice       = "[voice message]"
	PlaceholderPicture     = "[picture]"
	PlaceholderNoPicCode   = "[picture: download code unavailable]"
	PlaceholderVideo       = "[video]"
	PlaceholderFile        = "[file]"
	PlaceholderChatRecord  = "[forwarded chat record]"
	placeholderUnknownKind = "unknown"
)

// FullLookupTimeout bounds the name lookups for a forwarded chat record.
const FullLookupTimeout = 3 * time.Second

// MediaRef points at an attachment still to be downloaded.
type MediaRef struct {
	DownloadCode string
	Kind         media.Kind
	FileName     string
}

// Extracted is the canonical form of one inbound message.
type Extracted struct {
	Text  string
	Media *MediaRef
	Kind  string
	// Transcribed is set for audio whose text came from the provider's
	// speech recognition; the audio itself need not be downloaded.
	Transcribed bool
}

// Empty reports whether there is nothing to act on.
func (e Extracted) Empty() bool {
	return e.Text == "" && e.Media == nil
}

// Downloader fetches inline attachments; *media.Fetcher implements it.
type Downloader interface {
	Download(ctx context.Context, creds dingtalk.Credentials, downloadCode string, kind media.Kind) (media.Result, error)
}

// Names resolves user ids to display names; *directory.Directory implements it.
type Names interface {
	BatchNames(ctx context.Context, ids []string, timeout time.Duration) map[string]string
}

// Extractor normalizes events for one account. It never fails: anything it
// cannot interpret becomes a placeholder.
type Extractor struct {
	creds      dingtalk.Credentials
	downloader Downloader
	names      Names
	location   *time.Location
	log        *slog.Logger
}

type Option func(*Extractor)

func WithDownloader(d Downloader) Option {
	return func(x *Extractor) { x.downloader = d }
}

func WithNames(n Names) Option {
	return func(x *Extractor) { x.names = n }
}

// WithLocation sets the zone chat record timestamps are rendered in.
func WithLocation(loc *time.Location) Option {
	return func(x *Extractor) {
		if loc != nil {
			x.location = loc
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(x *Extractor) { x.log = logger.Component(log, "extract") }
}

func New(creds dingtalk.Credentials, opts ...Option) *Extractor {
	x := &Extractor{
		creds:    creds,
		location: time.Local,
		log:      logger.Component(nil, "extract"),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Extract normalizes e.
func (x *Extractor) Extract(ctx context.Context, e *Event) Extracted {
	msg := Decode(e)
	out := Extracted{Kind: msg.Kind()}

	switch m := msg.(type) {
	case TextMessage:
		out.Text = m.Content
	case RichTextMessage:
		out.Text = x.richText(ctx, e, m)
	case PictureMessage:
		if m.DownloadCode == "" {
			out.Text = PlaceholderNoPicCode
			break
		}
		out.Text = PlaceholderPicture
		out.Media = &MediaRef{DownloadCode: m.DownloadCode, Kind: media.KindImage}
	case AudioMessage:
		out.Text = PlaceholderVoice
		if m.Recognition != "" {
			out.Text = m.Recognition
			out.Transcribed = true
		}
		if m.DownloadCode != "" {
			out.Media = &MediaRef{DownloadCode: m.DownloadCode, Kind: media.KindAudio}
		}
	case VideoMessage:
		out.Text = PlaceholderVideo
		if m.DownloadCode != "" {
			out.Media = &MediaRef{DownloadCode: m.DownloadCode, Kind: media.KindVideo}
		}
	case FileMessage:
		out.Text = PlaceholderFile
		if m.FileName != "" {
			out.Text = fmt.Sprintf("[file: %s]", m.FileName)
		}
		if m.DownloadCode != "" {
			out.Media = &MediaRef{DownloadCode: m.DownloadCode, Kind: media.KindFile, FileName: m.FileName}
		}
	case ChatRecordMessage:
		out.Text = x.chatRecord(ctx, m)
	case LinkMessage:
		out.Text = renderLink(m)
	case UnknownMessage:
		out.Text = e.textContent()
		if out.Text == "" {
			kind := m.Type
			if kind == "" {
				kind = placeholderUnknownKind
			}
			out.Text = "[" + kind + "]"
		}
	}

	return out
}

// strategy yields text for an event, or false to defer to the next one.
type strategy func(ctx context.Context, e *Event) (string, bool)

// richText tries each strategy in order; the first non-empty result wins.
func (x *Extractor) richText(ctx context.Context, e *Event, m RichTextMessage) string {
	strategies := []strategy{
		textContentStrategy,
		richTextFieldStrategy,
		richTextListStrategy,
		func(ctx context.Context, _ *Event) (string, bool) {
			return x.richTextItems(ctx, m.Items)
		},
	}
	for _, try := range strategies {
		if text, ok := try(ctx, e); ok && text != "" {
			return text
		}
	}
	return ""
}

func textContentStrategy(_ context.Context, e *Event) (string, bool) {
	text := e.textContent()
	return text, text != ""
}

// richTextFieldStrategy reads a top-level richText that is a string or an
// object exposing text, content or a string richText.
func richTextFieldStrategy(_ context.Context, e *Event) (string, bool) {
	if s, ok := stringOf(e.RichText); ok {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	obj, ok := objectOf(e.RichText)
	if !ok {
		return "", false
	}
	for _, key := range []string{"text", "content", "richText"} {
		if s := strings.TrimSpace(obj.str(key)); s != "" {
			return s, true
		}
	}
	return "", false
}

// richTextListStrategy concatenates the text of a top-level richText.richText list.
func richTextListStrategy(_ context.Context, e *Event) (string, bool) {
	obj, ok := objectOf(e.RichText)
	if !ok {
		return "", false
	}
	items, ok := obj.items("richText")
	if !ok {
		return "", false
	}
	var b strings.Builder
	for _, item := range items {
		b.WriteString(firstNonEmpty(item.str("text"), item.str("content")))
	}
	text := strings.TrimSpace(b.String())
	return text, text != ""
}

// richTextItems renders content.richText, downloading inline pictures.
func (x *Extractor) richTextItems(ctx context.Context, items []RichTextItem) (string, bool) {
	if len(items) == 0 {
		return "", false
	}
	var b strings.Builder
	for _, item := range items {
		if item.IsPicture() {
			b.WriteString(x.inlinePicture(ctx, item.DownloadCode))
			continue
		}
		b.WriteString(item.Text)
	}
	text := b.String()
	return text, strings.TrimSpace(text) != ""
}

// inlinePicture downloads a picture embedded in text and returns the
// placeholder that stands in for it.
func (x *Extractor) inlinePicture(ctx context.Context, code string) string {
	if x.downloader == nil {
		return PlaceholderPicture
	}
	result, err := x.downloader.Download(ctx, x.creds, code, media.KindImage)
	if err != nil {
		x.log.Warn("Inline picture download failed", "error", err)
		return fmt.Sprintf("[image download failed: %v]", err)
	}
	if result.Path == "" {
		return PlaceholderPicture
	}
	return fmt.Sprintf("[image: %s]", result.Path)
}

func renderLink(m LinkMessage) string {
	lines := make([]string, 0, 3)
	title := m.Title
	if title == "" {
		title = m.URL
	}
	lines = append(lines, "[link] "+title)
	if m.Text != "" {
		lines = append(lines, m.Text)
	}
	if m.URL != "" && m.URL != title {
		lines = append(lines, m.URL)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
