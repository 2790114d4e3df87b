// Package logger builds the bridge's slog logger. Text output goes through
// charmbracelet/log; JSON output writes one Entry per line. Both formats
// scrub credentials before anything reaches the writer.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"

	"dingclaw/pkg/config"
)

const (
	envFormat    = "DINGCLAW_LOG_FORMAT"
	envLevel     = "DINGCLAW_LOG_LEVEL"
	envAddSource = "DINGCLAW_LOG_ADD_SOURCE"

	// Redacted replaces the value of any credential attribute.
	Redacted = "[redacted]"
)

// Entry is one JSON log line. Component, account and session key are lifted
// out of Fields so log pipelines can index a conversation directly.
type Entry struct {
	Time       string         `json:"timestamp"`
	Level      string         `json:"level"`
	Component  string         `json:"component,omitempty"`
	Account    string         `json:"account,omitempty"`
	SessionKey string         `json:"session_key,omitempty"`
	Message    string         `json:"message"`
	Fields     map[string]any `json:"fields,omitempty"`
	Caller     string         `json:"caller,omitempty"`
}

// settings is LoggingConfig after DINGCLAW_LOG_* overrides are applied.
type settings struct {
	json      bool
	level     slog.Level
	addSource bool
}

func resolveSettings(cfg config.LoggingConfig) (settings, error) {
	var s settings

	format := envOr(envFormat, cfg.Format)
	switch format {
	case "", "text":
	case "json":
		s.json = true
	default:
		return s, fmt.Errorf("unsupported log format %q", format)
	}

	levelText := envOr(envLevel, cfg.Level)
	if err := s.level.UnmarshalText([]byte(normalizeLevel(levelText))); err != nil {
		return s, fmt.Errorf("unsupported log level %q", levelText)
	}

	s.addSource = cfg.AddSource
	if raw := envOr(envAddSource, ""); raw != "" {
		s.addSource = raw == "1" || raw == "true" || raw == "yes" || raw == "on"
	}
	return s, nil
}

// envOr returns the lowercased environment value for key, or fallback when unset.
func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return strings.ToLower(value)
	}
	return strings.ToLower(strings.TrimSpace(fallback))
}

func normalizeLevel(text string) string {
	switch text {
	case "":
		return "info"
	case "warning":
		return "warn"
	case "debug", "info", "warn", "error":
		return text
	default:
		// Reject slog's "info+2" style offsets.
		return "invalid"
	}
}

// New builds the process logger writing to stderr.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	s, err := resolveSettings(cfg)
	if err != nil {
		return nil, err
	}

	var inner slog.Handler
	if s.json {
		inner = &jsonHandler{
			level:     s.level,
			addSource: s.addSource,
			out:       writer,
			mu:        &sync.Mutex{},
		}
	} else {
		inner = charmLog.NewWithOptions(writer, charmLog.Options{
			Level:           charmLevel(s.level),
			ReportTimestamp: true,
			ReportCaller:    s.addSource,
			Formatter:       charmLog.TextFormatter,
		})
	}
	return slog.New(&redactHandler{next: inner}), nil
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

const componentKey = "component"

// Component scopes base (or slog.Default when nil) to a named component. A
// logger built by New keeps one component attribute; the innermost name wins.
func Component(base *slog.Logger, name string, args ...any) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(append([]any{componentKey, name}, args...)...)
}

// secretKeys are attribute keys whose values never reach the log.
var secretKeys = map[string]struct{}{
	"client_secret": {},
	"clientsecret":  {},
	"secret":        {},
	"access_token":  {},
	"accesstoken":   {},
	"token":         {},
	"api_key":       {},
	"apikey":        {},
}

// redactHandler scrubs credential attributes and the session query of
// DingTalk webhook URLs before delegating. It also holds the top-level
// component attribute so nested Component calls replace it.
type redactHandler struct {
	next      slog.Handler
	component string
	grouped   bool
}

func (h *redactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactHandler) Handle(ctx context.Context, record slog.Record) error {
	scrubbed := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	if h.component != "" {
		scrubbed.AddAttrs(slog.String(componentKey, h.component))
	}
	record.Attrs(func(attr slog.Attr) bool {
		scrubbed.AddAttrs(redactAttr(attr))
		return true
	})
	return h.next.Handle(ctx, scrubbed)
}

func (h *redactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	child := &redactHandler{component: h.component, grouped: h.grouped}
	scrubbed := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		if !h.grouped && attr.Key == componentKey {
			child.component = attr.Value.Resolve().String()
			continue
		}
		scrubbed = append(scrubbed, redactAttr(attr))
	}
	child.next = h.next
	if len(scrubbed) > 0 {
		child.next = h.next.WithAttrs(scrubbed)
	}
	return child
}

// WithGroup pins the current component outside the group.
func (h *redactHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := h.next
	if h.component != "" && !h.grouped {
		next = next.WithAttrs([]slog.Attr{slog.String(componentKey, h.component)})
	}
	return &redactHandler{next: next.WithGroup(name), grouped: true}
}

func redactAttr(attr slog.Attr) slog.Attr {
	attr.Value = attr.Value.Resolve()
	key := strings.ToLower(attr.Key)

	if _, ok := secretKeys[key]; ok {
		return slog.String(attr.Key, Redacted)
	}

	switch attr.Value.Kind() {
	case slog.KindGroup:
		group := attr.Value.Group()
		scrubbed := make([]slog.Attr, len(group))
		for i, item := range group {
			scrubbed[i] = redactAttr(item)
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(scrubbed...)}
	case slog.KindString:
		if strings.Contains(key, "webhook") {
			return slog.String(attr.Key, stripQuery(attr.Value.String()))
		}
	}
	return attr
}

// stripQuery drops the query of a URL; session webhooks carry their token there.
func stripQuery(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.RawQuery == "" {
		return raw
	}
	parsed.RawQuery = ""
	return parsed.String() + "?" + Redacted
}

type jsonHandler struct {
	level     slog.Level
	addSource bool
	out       io.Writer
	attrs     []slog.Attr
	groups    []string
	mu        *sync.Mutex
}

func (h *jsonHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *jsonHandler) Handle(_ context.Context, record slog.Record) error {
	at := record.Time
	if at.IsZero() {
		at = time.Now()
	}
	entry := Entry{
		Time:    at.UTC().Format(time.RFC3339Nano),
		Level:   strings.ToLower(record.Level.String()),
		Message: record.Message,
		Fields:  map[string]any{},
	}

	for _, attr := range h.attrs {
		entry.add(h.groups, attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		entry.add(h.groups, attr)
		return true
	})
	if len(entry.Fields) == 0 {
		entry.Fields = nil
	}
	if h.addSource {
		entry.Caller = caller(record.PC)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.out.Write(line)
	return err
}

func (h *jsonHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *jsonHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

// add files attr either into a promoted Entry column or into Fields under
// its dotted group path.
func (e *Entry) add(groups []string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}

	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + attr.Key
	}

	if attr.Value.Kind() == slog.KindString {
		var column *string
		switch key {
		case componentKey:
			column = &e.Component
		case "account":
			column = &e.Account
		case "session_key":
			column = &e.SessionKey
		}
		if column != nil {
			*column = attr.Value.String()
			return
		}
	}

	e.Fields[key] = plain(attr.Value)
}

// plain converts a resolved slog.Value to something encoding/json renders readably.
func plain(value slog.Value) any {
	switch value.Kind() {
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339Nano)
	case slog.KindGroup:
		out := make(map[string]any)
		for _, item := range value.Group() {
			out[item.Key] = plain(item.Value.Resolve())
		}
		return out
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			return err.Error()
		}
		return value.Any()
	default:
		return value.Any()
	}
}

func caller(pc uintptr) string {
	if pc == 0 {
		return ""
	}
	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)
}
