package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	maxChatRecordSenders = 10
	chatRecordTimeLayout = "2006-01-02 15:04"
)

var errMissingChatRecord = errors.New("chat record missing")

// chatRecord renders a forwarded bundle as numbered lines under a count header.
func (x *Extractor) chatRecord(ctx context.Context, m ChatRecordMessage) string {
	if m.Err != nil || len(m.Entries) == 0 {
		if m.Err != nil {
			x.log.Debug("Chat record not parseable", "error", m.Err)
		}
		return PlaceholderChatRecord
	}

	names := x.chatRecordNames(ctx, m.Entries)

	lines := make([]string, 0, len(m.Entries)+1)
	lines = append(lines, fmt.Sprintf("[Forwarded chat record: %d messages]", len(m.Entries)))
	for i, entry := range m.Entries {
		lines = append(lines, fmt.Sprintf("[%d] %s (%s): %s",
			i+1, entryName(entry, names), x.entryTime(entry), renderEntry(entry)))
	}
	return strings.Join(lines, "\n")
}

// chatRecordNames resolves up to maxChatRecordSenders distinct senders.
func (x *Extractor) chatRecordNames(ctx context.Context, entries []ChatRecordEntry) map[string]string {
	if x.names == nil {
		return nil
	}
	seen := make(map[string]struct{})
	ids := make([]string, 0, maxChatRecordSenders)
	for _, entry := range entries {
		id := entrySender(entry)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
		if len(ids) == maxChatRecordSenders {
			break
		}
	}
	return x.names.BatchNames(ctx, ids, FullLookupTimeout)
}

func entrySender(entry ChatRecordEntry) string {
	return firstNonEmpty(entry.SenderStaffID, entry.SenderID)
}

func entryName(entry ChatRecordEntry, names map[string]string) string {
	if name := names[entrySender(entry)]; name != "" {
		return name
	}
	return firstNonEmpty(entry.SenderNick, entrySender(entry), "unknown")
}

func (x *Extractor) entryTime(entry ChatRecordEntry) string {
	if entry.CreateAt <= 0 {
		return "unknown time"
	}
	return time.UnixMilli(entry.CreateAt).In(x.location).Format(chatRecordTimeLayout)
}

func renderEntry(entry ChatRecordEntry) string {
	switch entry.MsgType {
	case "", KindText:
		return entry.Content
	case "image", KindPicture:
		return "[image]"
	case KindVideo:
		return "[video]"
	case KindFile:
		return "[file]"
	case "voice", KindAudio:
		return "[voice]"
	case KindRichText, "markdown":
		if entry.Content != "" {
			return entry.Content
		}
		return "[" + entry.MsgType + "]"
	default:
		if entry.Content != "" {
			return entry.Content
		}
		return "[" + entry.MsgType + "]"
	}
}
