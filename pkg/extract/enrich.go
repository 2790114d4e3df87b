package extract

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const maxMentionLookups = 5

// Enrich prepends quoted-message context and mention annotations to text.
// Both steps are best effort and leave text unchanged when they find nothing.
func (x *Extractor) Enrich(ctx context.Context, e *Event, text string, lookupTimeout time.Duration) string {
	text = x.Quote(ctx, e, text)
	return x.Mentions(ctx, e, text, lookupTimeout)
}

// Quote prepends the content of the message e replies to, if any.
func (x *Extractor) Quote(ctx context.Context, e *Event, text string) (out string) {
	if e.Text == nil || !e.Text.IsReplyMsg {
		return text
	}
	if e.Text.RepliedMsg == nil {
		x.log.Debug("Reply without quoted message", "msg_id", e.MsgID)
		return text
	}
	defer func() {
		if r := recover(); r != nil {
			x.log.Warn("Quoted message extraction failed", "msg_id", e.MsgID, "panic", r)
			out = text
		}
	}()

	quoted := strings.TrimSpace(x.quotedContent(ctx, e.Text.RepliedMsg.Content))
	if quoted == "" {
		x.log.Debug("Quoted message had no content", "msg_id", e.MsgID)
		return text
	}
	return fmt.Sprintf("[Quoted: \"%s\"]\n%s", quoted, text)
}

func (x *Extractor) quotedContent(ctx context.Context, raw []byte) string {
	if s, ok := stringOf(raw); ok {
		return s
	}
	obj, ok := objectOf(raw)
	if !ok {
		return ""
	}
	if list, ok := obj.items("richText"); ok {
		var b strings.Builder
		for _, item := range list {
			switch item.str("msgType") {
			case "text":
				b.WriteString(item.str("content"))
			case KindPicture:
				if code := item.str("downloadCode"); code != "" {
					b.WriteString(x.inlinePicture(ctx, code))
				}
			}
		}
		return b.String()
	}
	return obj.str("text")
}

// Mentions prepends the display names of mentioned users, or a count when
// no name resolves. Users without a staff id, such as the bot itself, still
// count towards the fallback.
func (x *Extractor) Mentions(ctx context.Context, e *Event, text string, lookupTimeout time.Duration) string {
	if len(e.AtUsers) == 0 {
		return text
	}

	ids := make([]string, 0, maxMentionLookups)
	for _, user := range e.AtUsers {
		if user.StaffID == "" {
			continue
		}
		ids = append(ids, user.StaffID)
		if len(ids) == maxMentionLookups {
			break
		}
	}

	var names map[string]string
	if len(ids) > 0 && x.names != nil && x.creds.Valid() {
		names = x.names.BatchNames(ctx, ids, lookupTimeout)
	}

	mentions := make([]string, 0, len(ids))
	for _, id := range ids {
		if name := names[id]; name != "" {
			mentions = append(mentions, "@"+name)
		}
	}
	if len(mentions) == 0 {
		return fmt.Sprintf("[%d mentioned] %s", len(e.AtUsers), text)
	}
	return "[" + strings.Join(mentions, " ") + "] " + text
}
