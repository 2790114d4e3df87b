// Package media downloads message attachments into a scratch directory and
// keeps that directory from growing without bound.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"dingclaw/pkg/dingtalk"
	"dingclaw/pkg/logger"
)

// Kind is the attachment category a download code refers to.
type Kind string

const (
	KindImage Kind = "image"
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
)

const (
	defaultAttempts     = 3
	defaultInitialDelay = time.Second
	defaultMultiplier   = 2
	maxDownloadBytes    = 100 << 20
)

var extensions = map[string]string{
	"image/jpeg":               ".jpg",
	"image/png":                ".png",
	"image/gif":                ".gif",
	"image/webp":               ".webp",
	"audio/amr":                ".amr",
	"audio/mpeg":               ".mp3",
	"audio/mp4":                ".m4a",
	"video/mp4":                ".mp4",
	"application/pdf":          ".pdf",
	"application/octet-stream": ".bin",
}

var kindExtensions = map[Kind]string{
	KindImage: ".jpg",
	KindAudio: ".amr",
	KindVideo: ".mp4",
}

// API is the subset of the DingTalk client the fetcher uses.
type API interface {
	ResolveDownload(ctx context.Context, creds dingtalk.Credentials, downloadCode string) (dingtalk.DownloadInfo, error)
	Get(ctx context.Context, rawURL string) (*http.Response, error)
}

// Result is a downloaded attachment on local disk.
type Result struct {
	Path     string
	MimeType string
}

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Fetcher downloads attachments referenced by message download codes.
type Fetcher struct {
	api   API
	dir   string
	log   *slog.Logger
	now   func() time.Time
	sleep SleepFunc

	attempts     int
	initialDelay time.Duration
	multiplier   int
}

type FetcherOption func(*Fetcher)

func WithSleep(sleep SleepFunc) FetcherOption {
	return func(f *Fetcher) {
		if sleep != nil {
			f.sleep = sleep
		}
	}
}

func WithClock(now func() time.Time) FetcherOption {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

func WithLogger(log *slog.Logger) FetcherOption {
	return func(f *Fetcher) { f.log = logger.Component(log, "media.fetcher") }
}

func NewFetcher(api API, dir string, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		api:          api,
		dir:          dir,
		log:          logger.Component(nil, "media.fetcher"),
		now:          time.Now,
		sleep:        sleepContext,
		attempts:     defaultAttempts,
		initialDelay: defaultInitialDelay,
		multiplier:   defaultMultiplier,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Dir is the scratch directory downloads are written to.
func (f *Fetcher) Dir() string {
	return f.dir
}

// Download exchanges downloadCode for a URL, fetches it with retry and
// writes the bytes to the scratch directory. Exchange failures are returned
// immediately; only the byte fetch is retried.
func (f *Fetcher) Download(ctx context.Context, creds dingtalk.Credentials, downloadCode string, kind Kind) (Result, error) {
	if downloadCode == "" {
		return Result{}, errors.New("media: empty download code")
	}

	info, err := f.api.ResolveDownload(ctx, creds, downloadCode)
	if err != nil {
		return Result{}, fmt.Errorf("resolve download: %w", err)
	}

	data, err := f.fetchWithRetry(ctx, info.URL)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create media dir: %w", err)
	}

	path, err := f.write(data, kind, extensionFor(info.ContentType, kind))
	if err != nil {
		return Result{}, err
	}

	f.log.Info("Media downloaded", "path", path, "bytes", len(data), "content_type", info.ContentType, "kind", kind)
	return Result{Path: path, MimeType: info.ContentType}, nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, rawURL string) ([]byte, error) {
	delay := f.initialDelay
	var lastErr error

	for attempt := 1; attempt <= f.attempts; attempt++ {
		data, err := f.fetch(ctx, rawURL)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if attempt == f.attempts {
			break
		}

		f.log.Warn("Media fetch failed, will retry", "attempt", attempt, "delay", delay, "error", err)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= time.Duration(f.multiplier)
	}

	return nil, fmt.Errorf("fetch media after %d attempts: %w", f.attempts, lastErr)
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := f.api.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("media fetch: http %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("read media body: %w", err)
	}
	return data, nil
}

func (f *Fetcher) write(data []byte, kind Kind, ext string) (string, error) {
	prefix := string(kind)
	if prefix == "" {
		prefix = "media"
	}
	stamp := strconv.FormatInt(f.now().UnixMilli(), 10)
	path := filepath.Join(f.dir, prefix+"_"+stamp+ext)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		path = filepath.Join(f.dir, prefix+"_"+stamp+"_"+uuid.NewString()[:8]+ext)
		file, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return "", fmt.Errorf("create media file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("write media file: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close media file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

func extensionFor(contentType string, kind Kind) string {
	if ext, ok := extensions[contentType]; ok {
		return ext
	}
	if ext, ok := kindExtensions[kind]; ok {
		return ext
	}
	return ".bin"
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
