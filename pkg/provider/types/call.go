package types

import (
	"errors"
	"log/slog"
	"strings"
	"time"
)

var (
	ErrNoSession = errors.New("session id is required")
	ErrNoPrompt  = errors.New("prompt is required")
)

// Normalize trims the request fields and rejects requests that cannot be sent.
func (r PromptRequest) Normalize() (PromptRequest, error) {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.Text = strings.TrimSpace(r.Text)
	r.Model = strings.TrimSpace(r.Model)
	r.Agent = strings.TrimSpace(r.Agent)
	switch {
	case r.SessionID == "":
		return r, ErrNoSession
	case r.Text == "":
		return r, ErrNoPrompt
	}
	return r, nil
}

// Call traces one provider round trip at debug level.
type Call struct {
	log     *slog.Logger
	started time.Time
}

// StartCall logs the start of operation on log.
func StartCall(log *slog.Logger, operation string, args ...any) *Call {
	c := &Call{log: log.With("operation", operation), started: time.Now()}
	c.log.Debug("Provider call started", args...)
	return c
}

// Fail logs err and returns it unchanged.
func (c *Call) Fail(err error) error {
	c.log.Debug("Provider call failed", "duration_ms", c.elapsed(), "error", err)
	return err
}

func (c *Call) Done(args ...any) {
	c.log.Debug("Provider call completed", append([]any{"duration_ms", c.elapsed()}, args...)...)
}

func (c *Call) elapsed() int64 {
	return time.Since(c.started).Milliseconds()
}
